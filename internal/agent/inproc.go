package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"media-orchestrator/internal/loader"
	"media-orchestrator/internal/media"
)

// inprocFetchTimeout bounds how long the in-process agent spends on one
// cache request batch.
const inprocFetchTimeout = 2 * time.Minute

// InProcAgent is a small in-process implementation of the background caching
// agent protocol. The server binary uses it when no external agent transport
// is configured; tests use it as a live protocol endpoint. Media is stored
// through the agent's own loading strategy (normally a DirectFetch pointed
// at the agent's cache dir), which is all the durability it offers.
type InProcAgent struct {
	store loader.Strategy
	log   *slog.Logger

	mu       sync.Mutex
	versions map[string]uint64 // asset id -> version hash it was cached at
}

// NewInProcAgent returns an agent that materializes media through store.
func NewInProcAgent(store loader.Strategy, log *slog.Logger) *InProcAgent {
	return &InProcAgent{
		store:    store,
		log:      log,
		versions: make(map[string]uint64),
	}
}

// Connect wires the agent to a client. Inbound is invoked (on a fresh
// goroutine per message) for every response the agent emits; the returned
// channel carries the client's requests. Neither direction preserves
// ordering, matching the real transport's guarantees.
func (ag *InProcAgent) Connect(inbound func(Message)) *InProcChannel {
	return &InProcChannel{agent: ag, inbound: inbound}
}

// InProcChannel links an AgentCache to an InProcAgent without any global
// listener registry.
type InProcChannel struct {
	agent   *InProcAgent
	inbound func(Message)
	closed  atomic.Bool
}

// Send implements Channel.
func (c *InProcChannel) Send(msg Message) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	go c.agent.handle(msg, func(resp Message) {
		if c.closed.Load() {
			return
		}
		go c.inbound(resp)
	})
	return nil
}

// Ready implements Channel.
func (c *InProcChannel) Ready() bool {
	return !c.closed.Load()
}

// Close makes the channel report unreachable and drops later traffic.
func (c *InProcChannel) Close() {
	c.closed.Store(true)
}

func (ag *InProcAgent) handle(msg Message, reply func(Message)) {
	switch msg.Type {
	case MsgGetClientID:
		resp, err := NewMessage(MsgClientIDResponse, msg.CorrelationID, ClientIDResponse{ClientID: uuid.NewString()})
		if err == nil {
			reply(resp)
		}

	case MsgCacheVideos, MsgCacheImages:
		var req CacheRequest
		if err := msg.Decode(&req); err != nil {
			ag.log.Warn("bad cache request", slog.String("error", err.Error()))
			return
		}
		assetType := media.AssetVideo
		if msg.Type == MsgCacheImages {
			assetType = media.AssetImage
		}
		ag.cacheEntries(req.Assets, assetType, reply)

	case MsgCheckCacheVersion:
		var req VersionCheckRequest
		if err := msg.Decode(&req); err != nil {
			return
		}
		ag.mu.Lock()
		var fresh []string
		for _, e := range req.Entries {
			if ag.versions[e.AssetID] == e.VersionHash && ag.store.IsCached(e.AssetID) {
				fresh = append(fresh, e.AssetID)
			}
		}
		ag.mu.Unlock()
		resp, err := NewMessage(MsgCacheVersionInfo, msg.CorrelationID, VersionInfo{Fresh: fresh})
		if err == nil {
			reply(resp)
		}

	case MsgClearCaches:
		if err := ag.store.ClearCache(); err != nil {
			ag.log.Warn("agent clear cache failed", slog.String("error", err.Error()))
		}
		ag.mu.Lock()
		ag.versions = make(map[string]uint64)
		ag.mu.Unlock()
		resp, err := NewMessage(MsgCachesCleared, msg.CorrelationID, nil)
		if err == nil {
			reply(resp)
		}

	case MsgGetCachedVideos:
		ag.mu.Lock()
		ids := make([]string, 0, len(ag.versions))
		for id := range ag.versions {
			if ag.store.IsCached(id) {
				ids = append(ids, id)
			}
		}
		ag.mu.Unlock()
		resp, err := NewMessage(MsgCachedVideosList, msg.CorrelationID, CachedVideosList{AssetIDs: ids})
		if err == nil {
			reply(resp)
		}

	default:
		ag.log.Debug("agent ignoring message", slog.String("type", string(msg.Type)))
	}
}

// cacheEntries fetches each requested asset and replies per entry with a
// terminal CACHE_PROGRESS or a CACHE_ERROR, keyed by the entry's operation
// id. Entries fail independently.
func (ag *InProcAgent) cacheEntries(entries []CacheEntry, assetType media.AssetType, reply func(Message)) {
	ctx, cancel := context.WithTimeout(context.Background(), inprocFetchTimeout)
	defer cancel()

	opByAsset := make(map[string]CacheEntry, len(entries))
	assets := make([]media.Asset, 0, len(entries))
	for _, e := range entries {
		opByAsset[e.AssetID] = e
		assets = append(assets, media.Asset{ID: e.AssetID, URL: e.URL, Type: assetType})
	}

	err := ag.store.Load(ctx, assets, func(done, total int, res loader.AssetResult) {
		entry := opByAsset[res.AssetID]
		if res.Err != nil {
			resp, merr := NewMessage(MsgCacheError, entry.OperationID, CacheErrorInfo{AssetID: res.AssetID, Error: res.Err.Error()})
			if merr == nil {
				reply(resp)
			}
			return
		}
		ag.mu.Lock()
		ag.versions[res.AssetID] = entry.VersionHash
		ag.mu.Unlock()
		resp, merr := NewMessage(MsgCacheProgress, entry.OperationID, CacheProgress{AssetID: res.AssetID, Status: StatusCompleted, Percent: 100})
		if merr == nil {
			reply(resp)
		}
	})
	if err != nil {
		ag.log.Warn("agent batch load failed", slog.String("error", err.Error()))
	}
}
