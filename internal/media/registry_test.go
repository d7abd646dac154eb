package media

import (
	"testing"
	"time"
)

func asset(id, url string) Asset {
	return Asset{
		ID:           id,
		URL:          url,
		LastModified: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Type:         AssetVideo,
	}
}

func TestRegistry_Register_and_Lookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(asset("aerial_l1", "http://cdn/l1.mp4"))

	rec := reg.Lookup("aerial_l1")
	if rec == nil {
		t.Fatal("Lookup: nil for registered asset")
	}
	if rec.Loaded || rec.Error != "" {
		t.Errorf("fresh record must be unsettled: %+v", rec)
	}
	if rec.VersionHash == 0 {
		t.Error("version hash not computed")
	}
	if reg.Lookup("missing") != nil {
		t.Error("Lookup: expected nil for unknown id")
	}
}

func TestRegistry_Register_first_wins(t *testing.T) {
	reg := NewRegistry()
	reg.Register(asset("aerial_l1", "http://cdn/v1.mp4"))
	first := reg.Lookup("aerial_l1")

	// Same id, different URL: the stored record must not change.
	reg.Register(asset("aerial_l1", "http://cdn/v2.mp4"))
	second := reg.Lookup("aerial_l1")

	if second.Asset.URL != "http://cdn/v1.mp4" {
		t.Errorf("first registration must win, got url %q", second.Asset.URL)
	}
	if second.VersionHash != first.VersionHash {
		t.Error("re-registration must not change the version hash")
	}
	if second.Error != "" {
		t.Error("re-registration must not mark the asset errored")
	}
}

func TestRegistry_Register_different_lastModified_before_load(t *testing.T) {
	reg := NewRegistry()
	a := asset("aerial_l1", "http://cdn/v1.mp4")
	reg.Register(a)

	a.LastModified = a.LastModified.Add(time.Hour)
	reg.Register(a)

	rec := reg.Lookup("aerial_l1")
	if rec.Error != "" {
		t.Errorf("re-registration must not spuriously error the asset: %q", rec.Error)
	}
}

func TestRegistry_IsSettled(t *testing.T) {
	reg := NewRegistry()
	reg.Register(asset("a", "http://cdn/a.mp4"))
	reg.Register(asset("b", "http://cdn/b.mp4"))

	if reg.IsSettled("a") {
		t.Error("unloaded asset must not be settled")
	}
	if reg.IsSettled("missing") {
		t.Error("unknown id must not be settled")
	}

	reg.MarkLoaded("a")
	if !reg.IsSettled("a") {
		t.Error("loaded asset must be settled")
	}

	reg.MarkError("b", "fetch failed")
	if !reg.IsSettled("b") {
		t.Error("errored asset must be settled")
	}
}

func TestRegistry_MarkError_never_unloads(t *testing.T) {
	reg := NewRegistry()
	reg.Register(asset("a", "http://cdn/a.mp4"))
	reg.MarkLoaded("a")
	reg.MarkError("a", "late failure")

	rec := reg.Lookup("a")
	if !rec.Loaded || rec.Error != "" {
		t.Errorf("loaded asset must stay loaded: %+v", rec)
	}
}

func TestRegistry_Counts(t *testing.T) {
	reg := NewRegistry()
	reg.Register(asset("a", "http://cdn/a.mp4"))
	reg.Register(asset("b", "http://cdn/b.mp4"))
	reg.Register(asset("c", "http://cdn/c.mp4"))
	reg.MarkLoaded("a")
	reg.MarkError("b", "boom")

	total, loaded, errored := reg.Counts()
	if total != 3 || loaded != 1 || errored != 1 {
		t.Errorf("Counts: total=%d loaded=%d errored=%d", total, loaded, errored)
	}
}
