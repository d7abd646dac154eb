package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"media-orchestrator/internal/loader"
	"media-orchestrator/internal/media"
)

// fakeDirect is the direct-fetch stand-in used as the fallback strategy.
type fakeDirect struct {
	mu     sync.Mutex
	loads  [][]media.Asset
	cached map[string]string
	clears int
}

func newFakeDirect() *fakeDirect {
	return &fakeDirect{cached: make(map[string]string)}
}

func (f *fakeDirect) Load(ctx context.Context, assets []media.Asset, progress loader.ProgressFunc) error {
	f.mu.Lock()
	f.loads = append(f.loads, assets)
	for _, a := range assets {
		f.cached[a.ID] = "local/" + a.ID
	}
	f.mu.Unlock()
	for i, a := range assets {
		if progress != nil {
			progress(i+1, len(assets), loader.AssetResult{AssetID: a.ID})
		}
	}
	return nil
}

func (f *fakeDirect) IsCached(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.cached[id]
	return ok
}

func (f *fakeDirect) URL(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached[id]
}

func (f *fakeDirect) ClearCache() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	f.cached = make(map[string]string)
	return nil
}

func (f *fakeDirect) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

// scriptChannel is a fake transport: respond decides which responses each
// outbound message produces. Responses are delivered synchronously through
// deliver, which tests point at AgentCache.HandleMessage.
type scriptChannel struct {
	ready   bool
	respond func(Message) []Message
	deliver func(Message)

	mu   sync.Mutex
	sent []Message
}

func (c *scriptChannel) Send(m Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, m)
	c.mu.Unlock()
	if c.respond != nil {
		for _, resp := range c.respond(m) {
			c.deliver(resp)
		}
	}
	return nil
}

func (c *scriptChannel) Ready() bool { return c.ready }

func (c *scriptChannel) sentOfType(t MessageType) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func mustMessage(t *testing.T, typ MessageType, corr string, payload any) Message {
	t.Helper()
	m, err := NewMessage(typ, corr, payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return m
}

// obligingAgent answers everything: a client id, "nothing fresh", and a
// completed CACHE_PROGRESS per requested entry.
func obligingAgent(t *testing.T) func(Message) []Message {
	return func(m Message) []Message {
		switch m.Type {
		case MsgGetClientID:
			return []Message{mustMessage(t, MsgClientIDResponse, m.CorrelationID, ClientIDResponse{ClientID: "client-1"})}
		case MsgCheckCacheVersion:
			return []Message{mustMessage(t, MsgCacheVersionInfo, m.CorrelationID, VersionInfo{})}
		case MsgCacheVideos, MsgCacheImages:
			var req CacheRequest
			if err := m.Decode(&req); err != nil {
				t.Fatalf("decode cache request: %v", err)
			}
			var out []Message
			for _, e := range req.Assets {
				out = append(out, mustMessage(t, MsgCacheProgress, e.OperationID, CacheProgress{AssetID: e.AssetID, Status: StatusCompleted}))
			}
			return out
		}
		return nil
	}
}

func newTestAgentCache(ch *scriptChannel, direct loader.Strategy, opts ...AgentCacheOption) *AgentCache {
	a := NewAgentCache(ch, direct, trackerLogger(), opts...)
	if ch != nil {
		ch.deliver = a.HandleMessage
	}
	return a
}

func cacheAssets(ids ...string) []media.Asset {
	out := make([]media.Asset, 0, len(ids))
	for _, id := range ids {
		out = append(out, media.Asset{
			ID:           id,
			URL:          "http://cdn/" + id + ".mp4",
			LastModified: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			Type:         media.AssetVideo,
		})
	}
	return out
}

func collectResults(t *testing.T) (loader.ProgressFunc, map[string]error) {
	t.Helper()
	var mu sync.Mutex
	results := make(map[string]error)
	return func(done, total int, res loader.AssetResult) {
		mu.Lock()
		defer mu.Unlock()
		if _, dup := results[res.AssetID]; dup {
			t.Errorf("asset %s settled twice", res.AssetID)
		}
		results[res.AssetID] = res.Err
	}, results
}

func TestAgentCache_load_happy_path(t *testing.T) {
	ch := &scriptChannel{ready: true, respond: obligingAgent(t)}
	a := newTestAgentCache(ch, newFakeDirect())

	progress, results := collectResults(t)
	if err := a.Load(context.Background(), cacheAssets("v1", "v2"), progress); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(results) != 2 || results["v1"] != nil || results["v2"] != nil {
		t.Errorf("results: %v", results)
	}
	if !a.IsCached("v1") || !a.IsCached("v2") {
		t.Error("assets must be marked cached after agent confirmation")
	}
	if a.URL("v1") != "http://cdn/v1.mp4" {
		t.Errorf("URL = %q", a.URL("v1"))
	}
	if n := len(ch.sentOfType(MsgGetClientID)); n != 1 {
		t.Errorf("client id requests = %d, want 1", n)
	}
}

func TestAgentCache_unreachable_falls_back_to_direct(t *testing.T) {
	direct := newFakeDirect()
	ch := &scriptChannel{ready: false}
	a := newTestAgentCache(ch, direct)

	progress, results := collectResults(t)
	if err := a.Load(context.Background(), cacheAssets("x"), progress); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if direct.loadCount() != 1 {
		t.Fatalf("direct loads = %d, want 1", direct.loadCount())
	}
	if results["x"] != nil {
		t.Errorf("asset x: %v", results["x"])
	}
	// The fallback's materialization is visible through the agent strategy.
	if !a.IsCached("x") || a.URL("x") != "local/x" {
		t.Error("fallback cache state must be visible")
	}

	// Reachability is re-checked per call: once the agent comes back, the
	// next load goes through it.
	ch.ready = true
	ch.respond = obligingAgent(t)
	if err := a.Load(context.Background(), cacheAssets("y"), nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if direct.loadCount() != 1 {
		t.Error("second load must not use the direct fallback")
	}
}

func TestAgentCache_all_settled_with_one_bad_asset(t *testing.T) {
	ch := &scriptChannel{ready: true}
	ch.respond = func(m Message) []Message {
		switch m.Type {
		case MsgGetClientID:
			return []Message{mustMessage(t, MsgClientIDResponse, m.CorrelationID, ClientIDResponse{ClientID: "c"})}
		case MsgCheckCacheVersion:
			return []Message{mustMessage(t, MsgCacheVersionInfo, m.CorrelationID, VersionInfo{})}
		case MsgCacheVideos:
			var req CacheRequest
			_ = m.Decode(&req)
			var out []Message
			for _, e := range req.Assets {
				if e.AssetID == "broken" {
					out = append(out, mustMessage(t, MsgCacheError, e.OperationID, CacheErrorInfo{AssetID: e.AssetID, Error: "disk full"}))
				} else {
					out = append(out, mustMessage(t, MsgCacheProgress, e.OperationID, CacheProgress{AssetID: e.AssetID, Status: StatusCompleted}))
				}
			}
			return out
		}
		return nil
	}
	a := newTestAgentCache(ch, newFakeDirect())

	progress, results := collectResults(t)
	if err := a.Load(context.Background(), cacheAssets("ok1", "broken", "ok2"), progress); err != nil {
		t.Fatalf("one bad asset must not fail the batch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results["ok1"] != nil || results["ok2"] != nil {
		t.Error("healthy assets must succeed")
	}
	if results["broken"] == nil || !strings.Contains(results["broken"].Error(), "disk full") {
		t.Errorf("broken asset: %v", results["broken"])
	}
	if a.IsCached("broken") {
		t.Error("errored asset must not be marked cached")
	}
}

// Per-asset operations that never get a terminal response settle as timed
// out: errored but processed, never hanging the batch.
func TestAgentCache_asset_timeout(t *testing.T) {
	ch := &scriptChannel{ready: true}
	ch.respond = func(m Message) []Message {
		switch m.Type {
		case MsgGetClientID:
			return []Message{mustMessage(t, MsgClientIDResponse, m.CorrelationID, ClientIDResponse{ClientID: "c"})}
		case MsgCheckCacheVersion:
			return []Message{mustMessage(t, MsgCacheVersionInfo, m.CorrelationID, VersionInfo{})}
		}
		return nil // drop all cache requests
	}
	a := newTestAgentCache(ch, newFakeDirect(), WithOpTimeout(30*time.Millisecond))

	progress, results := collectResults(t)
	if err := a.Load(context.Background(), cacheAssets("v1"), progress); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !errors.Is(results["v1"], ErrTimedOut) {
		t.Errorf("asset v1: %v, want ErrTimedOut", results["v1"])
	}
}

// When the client id exchange times out, a locally generated fallback id is
// used for the rest of the session without renegotiation.
func TestAgentCache_client_id_fallback(t *testing.T) {
	ch := &scriptChannel{ready: true}
	ch.respond = func(m Message) []Message {
		switch m.Type {
		case MsgGetClientID:
			return nil // agent never answers
		case MsgCheckCacheVersion:
			return []Message{mustMessage(t, MsgCacheVersionInfo, m.CorrelationID, VersionInfo{})}
		case MsgCacheVideos:
			var req CacheRequest
			_ = m.Decode(&req)
			var out []Message
			for _, e := range req.Assets {
				out = append(out, mustMessage(t, MsgCacheProgress, e.OperationID, CacheProgress{AssetID: e.AssetID, Status: StatusCompleted}))
			}
			return out
		}
		return nil
	}
	a := newTestAgentCache(ch, newFakeDirect(), WithClientIDTimeout(20*time.Millisecond))

	if err := a.Load(context.Background(), cacheAssets("v1"), nil); err != nil {
		t.Fatalf("Load: %v", err)
	}

	reqs := ch.sentOfType(MsgCacheVideos)
	if len(reqs) != 1 {
		t.Fatalf("cache requests = %d", len(reqs))
	}
	var req CacheRequest
	if err := reqs[0].Decode(&req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(req.ClientID, "fallback-") {
		t.Errorf("client id = %q, want fallback id", req.ClientID)
	}

	// The fallback id is permanent: no renegotiation on the next load.
	if err := a.Load(context.Background(), cacheAssets("v2"), nil); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if n := len(ch.sentOfType(MsgGetClientID)); n != 1 {
		t.Errorf("client id requests = %d, want 1", n)
	}
}

// Assets whose cached copy is already fresh are skipped: they settle
// immediately and never appear in the cache request.
func TestAgentCache_fresh_assets_skipped(t *testing.T) {
	ch := &scriptChannel{ready: true}
	ch.respond = func(m Message) []Message {
		switch m.Type {
		case MsgGetClientID:
			return []Message{mustMessage(t, MsgClientIDResponse, m.CorrelationID, ClientIDResponse{ClientID: "c"})}
		case MsgCheckCacheVersion:
			return []Message{mustMessage(t, MsgCacheVersionInfo, m.CorrelationID, VersionInfo{Fresh: []string{"fresh1"}})}
		case MsgCacheVideos:
			var req CacheRequest
			_ = m.Decode(&req)
			var out []Message
			for _, e := range req.Assets {
				out = append(out, mustMessage(t, MsgCacheProgress, e.OperationID, CacheProgress{AssetID: e.AssetID, Status: StatusCompleted}))
			}
			return out
		}
		return nil
	}
	a := newTestAgentCache(ch, newFakeDirect())

	progress, results := collectResults(t)
	if err := a.Load(context.Background(), cacheAssets("fresh1", "stale1"), progress); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(results) != 2 || results["fresh1"] != nil || results["stale1"] != nil {
		t.Errorf("results: %v", results)
	}

	reqs := ch.sentOfType(MsgCacheVideos)
	if len(reqs) != 1 {
		t.Fatalf("cache requests = %d", len(reqs))
	}
	var req CacheRequest
	_ = reqs[0].Decode(&req)
	if len(req.Assets) != 1 || req.Assets[0].AssetID != "stale1" {
		t.Errorf("cache request entries: %+v", req.Assets)
	}
}

// Responses are matched purely by correlation id, never by arrival order.
func TestAgentCache_out_of_order_responses(t *testing.T) {
	ch := &scriptChannel{ready: true}
	ch.respond = func(m Message) []Message {
		switch m.Type {
		case MsgGetClientID:
			return []Message{mustMessage(t, MsgClientIDResponse, m.CorrelationID, ClientIDResponse{ClientID: "c"})}
		case MsgCheckCacheVersion:
			return []Message{mustMessage(t, MsgCacheVersionInfo, m.CorrelationID, VersionInfo{})}
		case MsgCacheVideos:
			var req CacheRequest
			_ = m.Decode(&req)
			var out []Message
			for i := len(req.Assets) - 1; i >= 0; i-- { // reverse order
				e := req.Assets[i]
				out = append(out, mustMessage(t, MsgCacheProgress, e.OperationID, CacheProgress{AssetID: e.AssetID, Status: StatusCompleted}))
			}
			return out
		}
		return nil
	}
	a := newTestAgentCache(ch, newFakeDirect())

	progress, results := collectResults(t)
	if err := a.Load(context.Background(), cacheAssets("a", "b", "c"), progress); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err, ok := results[id]; !ok || err != nil {
			t.Errorf("asset %s: settled=%v err=%v", id, ok, err)
		}
	}
}

func TestAgentCache_ignores_unknown_message_types(t *testing.T) {
	a := newTestAgentCache(&scriptChannel{ready: true}, newFakeDirect())
	// Must not panic or disturb anything.
	a.HandleMessage(Message{Type: "SOME_FUTURE_TYPE", CorrelationID: "x"})
}

// Incremental progress updates keep the operation pending; only the terminal
// completed status resolves it.
func TestAgentCache_incremental_progress_not_terminal(t *testing.T) {
	ch := &scriptChannel{ready: true}
	ch.respond = func(m Message) []Message {
		switch m.Type {
		case MsgGetClientID:
			return []Message{mustMessage(t, MsgClientIDResponse, m.CorrelationID, ClientIDResponse{ClientID: "c"})}
		case MsgCheckCacheVersion:
			return []Message{mustMessage(t, MsgCacheVersionInfo, m.CorrelationID, VersionInfo{})}
		case MsgCacheVideos:
			var req CacheRequest
			_ = m.Decode(&req)
			e := req.Assets[0]
			return []Message{
				mustMessage(t, MsgCacheProgress, e.OperationID, CacheProgress{AssetID: e.AssetID, Status: StatusProgress, Percent: 40}),
				mustMessage(t, MsgCacheProgress, e.OperationID, CacheProgress{AssetID: e.AssetID, Status: StatusProgress, Percent: 80}),
				mustMessage(t, MsgCacheProgress, e.OperationID, CacheProgress{AssetID: e.AssetID, Status: StatusCompleted, Percent: 100}),
			}
		}
		return nil
	}
	a := newTestAgentCache(ch, newFakeDirect())

	progress, results := collectResults(t)
	if err := a.Load(context.Background(), cacheAssets("v1"), progress); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(results) != 1 || results["v1"] != nil {
		t.Errorf("results: %v", results)
	}
}

func TestAgentCache_clear_cache(t *testing.T) {
	direct := newFakeDirect()
	ch := &scriptChannel{ready: true}
	ch.respond = func(m Message) []Message {
		if m.Type == MsgClearCaches {
			return []Message{mustMessage(t, MsgCachesCleared, m.CorrelationID, nil)}
		}
		return obligingAgent(t)(m)
	}
	a := newTestAgentCache(ch, direct)

	if err := a.Load(context.Background(), cacheAssets("v1"), nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := a.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if a.IsCached("v1") {
		t.Error("local tracking must be cleared")
	}
	if direct.clears != 1 {
		t.Errorf("direct clears = %d, want 1", direct.clears)
	}
	if len(ch.sentOfType(MsgClearCaches)) != 1 {
		t.Error("CLEAR_CACHES must be sent to the agent")
	}
}

func TestAgentCache_cached_videos(t *testing.T) {
	ch := &scriptChannel{ready: true}
	ch.respond = func(m Message) []Message {
		if m.Type == MsgGetCachedVideos {
			return []Message{mustMessage(t, MsgCachedVideosList, m.CorrelationID, CachedVideosList{AssetIDs: []string{"a", "b"}})}
		}
		return nil
	}
	a := newTestAgentCache(ch, newFakeDirect())

	ids := a.CachedVideos(context.Background())
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("CachedVideos = %v", ids)
	}

	// Unreachable agent: empty list, no error.
	ch.ready = false
	if ids := a.CachedVideos(context.Background()); ids != nil {
		t.Errorf("CachedVideos while unreachable = %v", ids)
	}
}
