package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"media-orchestrator/internal/loader"
	"media-orchestrator/internal/media"
)

// Timeout defaults. Per-asset cache operations wait longer than the
// one-time client id exchange because caching involves real downloads.
const (
	DefaultOpTimeout       = 10 * time.Second
	DefaultClientIDTimeout = 5 * time.Second
)

// ErrTimedOut marks an asset whose agent-side cache request never got a
// terminal response; the asset is reported errored but processed.
var ErrTimedOut = errors.New("agent cache request timed out")

// AgentCache delegates media caching to the background agent over a Channel,
// correlating every request through a Tracker. Whenever the agent is
// unreachable at Load time it falls back to the direct strategy for that
// call only; reachability is re-checked on every call.
type AgentCache struct {
	channel Channel
	direct  loader.Strategy
	tracker *Tracker[Message]
	log     *slog.Logger

	opTimeout       time.Duration
	clientIDTimeout time.Duration

	mu       sync.Mutex
	clientID string
	cached   map[string]string // asset id -> origin url, confirmed cached by agent
}

// AgentCacheOption customizes an AgentCache.
type AgentCacheOption func(*AgentCache)

// WithOpTimeout sets the per-asset cache operation timeout.
func WithOpTimeout(d time.Duration) AgentCacheOption {
	return func(a *AgentCache) {
		if d > 0 {
			a.opTimeout = d
		}
	}
}

// WithClientIDTimeout sets the client id negotiation timeout.
func WithClientIDTimeout(d time.Duration) AgentCacheOption {
	return func(a *AgentCache) {
		if d > 0 {
			a.clientIDTimeout = d
		}
	}
}

// WithStaleGrace sets how long finished operations are kept before the
// opportunistic cleanup removes them.
func WithStaleGrace(d time.Duration) AgentCacheOption {
	return func(a *AgentCache) {
		a.tracker = NewTracker[Message](d, a.log)
	}
}

// NewAgentCache returns a strategy that caches through the agent reached via
// channel, falling back to direct when the agent is unreachable. channel may
// be nil (always falls back); direct must not be nil.
func NewAgentCache(channel Channel, direct loader.Strategy, log *slog.Logger, opts ...AgentCacheOption) *AgentCache {
	a := &AgentCache{
		channel:         channel,
		direct:          direct,
		log:             log,
		opTimeout:       DefaultOpTimeout,
		clientIDTimeout: DefaultClientIDTimeout,
		cached:          make(map[string]string),
	}
	a.tracker = NewTracker[Message](DefaultStaleGrace, log)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HandleMessage is the inbound dispatch for agent responses. The transport
// calls it for every message addressed to this client. Stale-operation
// cleanup piggybacks on every inbound message. Unrecognized types are
// ignored so newer agents can add message types freely.
func (a *AgentCache) HandleMessage(msg Message) {
	a.tracker.CleanupStale()

	switch msg.Type {
	case MsgClientIDResponse, MsgCacheVersionInfo, MsgCachesCleared, MsgCachedVideosList, MsgCacheError:
		a.tracker.Resolve(msg.CorrelationID, msg)
	case MsgCacheProgress:
		var p CacheProgress
		if err := msg.Decode(&p); err != nil {
			a.log.Warn("bad cache progress payload", slog.String("error", err.Error()))
			return
		}
		if p.Status == StatusCompleted {
			a.tracker.Resolve(msg.CorrelationID, msg)
			return
		}
		a.log.Debug("cache progress",
			slog.String("asset", p.AssetID),
			slog.Float64("percent", p.Percent))
	default:
		a.log.Debug("ignoring unknown agent message", slog.String("type", string(msg.Type)))
	}
}

// Load implements loader.Strategy. It negotiates a client id once per
// session, asks the agent which assets are already fresh, sends one batched
// cache request per asset type, and then waits for every per-asset operation
// to settle. allSettled semantics: one bad asset never fails the batch.
func (a *AgentCache) Load(ctx context.Context, assets []media.Asset, progress loader.ProgressFunc) error {
	if len(assets) == 0 {
		return nil
	}
	// Fallback decision is made per call, not cached: the agent may come and
	// go between loads.
	if a.channel == nil || !a.channel.Ready() {
		a.log.Info("agent unreachable, using direct fetch", slog.Int("assets", len(assets)))
		return a.direct.Load(ctx, assets, progress)
	}

	clientID := a.ensureClientID(ctx)

	total := len(assets)
	done := 0
	report := func(res loader.AssetResult) {
		done++
		if progress != nil {
			progress(done, total, res)
		}
	}

	fresh := a.checkVersions(ctx, assets)
	pending := make([]media.Asset, 0, len(assets))
	for _, asset := range assets {
		if fresh[asset.ID] {
			a.markCached(asset)
			report(loader.AssetResult{AssetID: asset.ID})
			continue
		}
		pending = append(pending, asset)
	}
	if len(pending) == 0 {
		return nil
	}

	waits := a.sendCacheRequests(clientID, pending)

	for _, w := range waits {
		var out Outcome[Message]
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out = <-w.done:
		}
		res := loader.AssetResult{AssetID: w.asset.ID}
		switch {
		case out.State == OpTimeout:
			res.Err = ErrTimedOut
		case out.State == OpError:
			res.Err = out.Err
		case out.Value.Type == MsgCacheError:
			var ce CacheErrorInfo
			if err := out.Value.Decode(&ce); err != nil {
				res.Err = err
			} else {
				res.Err = errors.New(ce.Error)
			}
		default:
			a.markCached(w.asset)
		}
		if res.Err != nil {
			a.log.Warn("agent cache failed",
				slog.String("asset", w.asset.ID),
				slog.String("error", res.Err.Error()))
		}
		report(res)
	}
	return nil
}

// IsCached implements loader.Strategy: true once the agent confirmed the
// asset cached this session, or when the direct fallback holds it.
func (a *AgentCache) IsCached(id string) bool {
	a.mu.Lock()
	_, ok := a.cached[id]
	a.mu.Unlock()
	return ok || a.direct.IsCached(id)
}

// URL implements loader.Strategy. For agent-cached assets the origin URL is
// returned; playback requests for it are served from the agent's cache.
func (a *AgentCache) URL(id string) string {
	a.mu.Lock()
	url, ok := a.cached[id]
	a.mu.Unlock()
	if ok {
		return url
	}
	return a.direct.URL(id)
}

// ClearCache implements loader.Strategy: asks the agent to drop its caches
// (best effort, bounded by the operation timeout) and clears local tracking
// plus the direct fallback's cache.
func (a *AgentCache) ClearCache() error {
	a.mu.Lock()
	a.cached = make(map[string]string)
	a.mu.Unlock()

	if a.channel != nil && a.channel.Ready() {
		corr := uuid.NewString()
		done := a.tracker.Create(corr, a.opTimeout, Message{}, "clear caches timed out")
		msg, err := NewMessage(MsgClearCaches, corr, nil)
		if err == nil {
			err = a.channel.Send(msg)
		}
		if err != nil {
			a.log.Warn("clear caches send failed", slog.String("error", err.Error()))
		} else {
			<-done
		}
	}
	return a.direct.ClearCache()
}

// CachedVideos asks the agent for the asset ids it already holds. Used for
// warm starts so a fresh session can skip re-requesting cached media.
// Returns an empty list when the agent is unreachable or times out.
func (a *AgentCache) CachedVideos(ctx context.Context) []string {
	if a.channel == nil || !a.channel.Ready() {
		return nil
	}
	corr := uuid.NewString()
	done := a.tracker.Create(corr, a.opTimeout, Message{}, "cached videos query timed out")
	msg, err := NewMessage(MsgGetCachedVideos, corr, nil)
	if err == nil {
		err = a.channel.Send(msg)
	}
	if err != nil {
		a.log.Warn("cached videos send failed", slog.String("error", err.Error()))
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case out := <-done:
		if out.State != OpCompleted {
			return nil
		}
		var list CachedVideosList
		if err := out.Value.Decode(&list); err != nil {
			return nil
		}
		return list.AssetIDs
	}
}

// PendingOperations reports in-flight correlation entries, for metrics.
func (a *AgentCache) PendingOperations() int {
	return a.tracker.PendingCount()
}

// ensureClientID negotiates the client identifier once per session. If the
// exchange times out, a locally generated fallback id is kept permanently so
// the session never re-blocks on an unresponsive agent.
func (a *AgentCache) ensureClientID(ctx context.Context) string {
	a.mu.Lock()
	if a.clientID != "" {
		id := a.clientID
		a.mu.Unlock()
		return id
	}
	a.mu.Unlock()

	corr := uuid.NewString()
	done := a.tracker.Create(corr, a.clientIDTimeout, Message{}, "client id negotiation timed out")
	msg, err := NewMessage(MsgGetClientID, corr, nil)
	if err == nil {
		err = a.channel.Send(msg)
	}

	id := ""
	if err != nil {
		a.log.Warn("client id request failed", slog.String("error", err.Error()))
	} else {
		select {
		case <-ctx.Done():
		case out := <-done:
			if out.State == OpCompleted {
				var resp ClientIDResponse
				if derr := out.Value.Decode(&resp); derr == nil {
					id = resp.ClientID
				}
			}
		}
	}
	if id == "" {
		id = "fallback-" + uuid.NewString()
		a.log.Warn("using fallback client id", slog.String("client_id", id))
	}

	a.mu.Lock()
	if a.clientID == "" {
		a.clientID = id
	}
	id = a.clientID
	a.mu.Unlock()
	return id
}

// checkVersions asks the agent which assets' cached copies already match
// their version hashes. Timeout or failure means "nothing is fresh".
func (a *AgentCache) checkVersions(ctx context.Context, assets []media.Asset) map[string]bool {
	entries := make([]VersionEntry, 0, len(assets))
	for _, asset := range assets {
		entries = append(entries, VersionEntry{
			AssetID:     asset.ID,
			VersionHash: media.VersionHash(asset.URL, asset.LastModified),
		})
	}

	corr := uuid.NewString()
	done := a.tracker.Create(corr, a.opTimeout, Message{}, "cache version check timed out")
	msg, err := NewMessage(MsgCheckCacheVersion, corr, VersionCheckRequest{Entries: entries})
	if err == nil {
		err = a.channel.Send(msg)
	}
	if err != nil {
		a.log.Warn("version check send failed", slog.String("error", err.Error()))
		return nil
	}

	select {
	case <-ctx.Done():
		return nil
	case out := <-done:
		if out.State != OpCompleted {
			return nil
		}
		var info VersionInfo
		if err := out.Value.Decode(&info); err != nil {
			return nil
		}
		fresh := make(map[string]bool, len(info.Fresh))
		for _, id := range info.Fresh {
			fresh[id] = true
		}
		return fresh
	}
}

type assetWait struct {
	asset media.Asset
	done  <-chan Outcome[Message]
}

// sendCacheRequests creates one pending operation per asset, then sends one
// batched request per asset type. Operations are created before sending so a
// fast response can never race an unregistered correlation id.
func (a *AgentCache) sendCacheRequests(clientID string, assets []media.Asset) []assetWait {
	batch := uuid.NewString()
	waits := make([]assetWait, 0, len(assets))
	byType := map[MessageType][]CacheEntry{}

	for _, asset := range assets {
		opID := fmt.Sprintf("%s/%s", batch, asset.ID)
		done := a.tracker.Create(opID, a.opTimeout, Message{}, "cache operation timed out")
		waits = append(waits, assetWait{asset: asset, done: done})

		t := MsgCacheVideos
		if asset.Type == media.AssetImage {
			t = MsgCacheImages
		}
		byType[t] = append(byType[t], CacheEntry{
			OperationID: opID,
			AssetID:     asset.ID,
			URL:         asset.URL,
			VersionHash: media.VersionHash(asset.URL, asset.LastModified),
		})
	}

	for t, entries := range byType {
		msg, err := NewMessage(t, batch, CacheRequest{ClientID: clientID, Assets: entries})
		if err == nil {
			err = a.channel.Send(msg)
		}
		if err != nil {
			// Leave the operations pending; their timers resolve them with
			// the timeout fallback.
			a.log.Warn("cache request send failed",
				slog.String("type", string(t)),
				slog.String("error", err.Error()))
		}
	}
	return waits
}

func (a *AgentCache) markCached(asset media.Asset) {
	a.mu.Lock()
	a.cached[asset.ID] = asset.URL
	a.mu.Unlock()
}
