package loader

import (
	"context"

	"media-orchestrator/internal/media"
)

// AssetResult reports one asset settling: Err is nil on success. Every asset
// passed to Load settles exactly once, success or failure.
type AssetResult struct {
	AssetID string
	Err     error
}

// ProgressFunc receives granular load progress: done counts settled assets
// (loaded or errored), total is the batch size.
type ProgressFunc func(done, total int, res AssetResult)

// Strategy is the pluggable media loading contract. Implementations must
// isolate per-asset failures: one bad asset never aborts the batch.
type Strategy interface {
	// Load processes assets and reports each settle through progress.
	// The returned error covers only batch-level failures (e.g. a canceled
	// context), never individual assets.
	Load(ctx context.Context, assets []media.Asset, progress ProgressFunc) error

	// IsCached reports whether the asset is already materialized.
	IsCached(id string) bool

	// URL returns a reference a player can use for the asset, or "" if the
	// asset is not yet loaded.
	URL(id string) string

	// ClearCache releases all materialized media and tracking state. Safe to
	// call mid-load: in-flight fetches finish but their results are discarded.
	ClearCache() error
}
