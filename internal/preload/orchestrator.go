package preload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"media-orchestrator/internal/loader"
	"media-orchestrator/internal/media"
	"media-orchestrator/internal/playback"
)

// DefaultGlobalTimeout bounds one whole preload run. On expiry preloading is
// abandoned and playback proceeds in degraded, on-demand mode instead of
// blocking the experience.
const DefaultGlobalTimeout = 4 * time.Minute

// Result is the aggregate outcome of a preload run. Degraded means the run
// hit the global timeout before every asset settled.
type Result struct {
	Total    int  `json:"total"`
	Loaded   int  `json:"loaded"`
	Errored  int  `json:"errored"`
	Degraded bool `json:"degraded"`
}

// ProgressEvent is one granular progress update during a preload run.
type ProgressEvent struct {
	Done    int
	Total   int
	AssetID string
	Err     string
}

// ProgressObserver receives preload progress. Observers decouple strategies
// from any particular progress-consumer shape; the UI, metrics, and tests
// each attach their own.
type ProgressObserver func(ProgressEvent)

// Orchestrator discovers a location set's media through the metadata source,
// registers everything in the registry, and drives a loading strategy to
// completion or the global timeout.
type Orchestrator struct {
	source   Source
	registry *media.Registry
	log      *slog.Logger
	timeout  time.Duration
	observer ProgressObserver

	mu      sync.Mutex
	running bool
	last    Result
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithGlobalTimeout overrides the preload deadline.
func WithGlobalTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithObserver attaches a progress observer.
func WithObserver(fn ProgressObserver) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// New returns an orchestrator over the given metadata source and registry.
func New(source Source, registry *media.Registry, log *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:   source,
		registry: registry,
		log:      log,
		timeout:  DefaultGlobalTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// cachedLister is implemented by strategies that can report what a warm
// cache already holds (the agent strategy's GET_CACHED_VIDEOS exchange).
type cachedLister interface {
	CachedVideos(ctx context.Context) []string
}

// PreloadLocationSet discovers media for every location id, registers it,
// and loads the union through strategy. Metadata failures reduce to "zero
// assets for that scope" and are logged, never propagated. The whole run
// races the global timeout; expiry yields a degraded result, not an error.
func (o *Orchestrator) PreloadLocationSet(ctx context.Context, locationIDs []string, strategy loader.Strategy) Result {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	assets := o.discover(ctx, locationIDs)
	for _, a := range assets {
		o.registry.Register(a)
	}

	// Warm start: anything the agent already holds counts as loaded.
	if lister, ok := strategy.(cachedLister); ok {
		for _, id := range lister.CachedVideos(ctx) {
			o.registry.MarkLoaded(id)
		}
	}

	total := len(assets)
	o.log.Info("preload starting",
		slog.Int("locations", len(locationIDs)),
		slog.Int("assets", total))

	loadDone := make(chan struct{})
	go func() {
		defer close(loadDone)
		err := strategy.Load(ctx, assets, func(done, tot int, res loader.AssetResult) {
			if res.Err != nil {
				o.registry.MarkError(res.AssetID, res.Err.Error())
			} else {
				o.registry.MarkLoaded(res.AssetID)
			}
			if o.observer != nil {
				ev := ProgressEvent{Done: done, Total: tot, AssetID: res.AssetID}
				if res.Err != nil {
					ev.Err = res.Err.Error()
				}
				o.observer(ev)
			}
		})
		if err != nil {
			o.log.Warn("preload load pass ended early", slog.String("error", err.Error()))
		}
	}()

	degraded := false
	select {
	case <-loadDone:
	case <-ctx.Done():
		// Abandon preloading; remaining assets are fetched on demand later.
		degraded = true
		o.log.Warn("preload global timeout, continuing degraded",
			slog.Int("assets", total))
	}

	res := o.snapshot(degraded)
	o.mu.Lock()
	o.running = false
	o.last = res
	o.mu.Unlock()

	o.log.Info("preload finished",
		slog.Int("loaded", res.Loaded),
		slog.Int("errored", res.Errored),
		slog.Bool("degraded", res.Degraded))
	return res
}

// Status returns the latest aggregate preload state: live registry counts
// plus whether a run is in progress.
func (o *Orchestrator) Status() (Result, bool) {
	o.mu.Lock()
	running := o.running
	degraded := o.last.Degraded
	o.mu.Unlock()
	return o.snapshot(degraded), running
}

// discover walks the metadata source for each location: aerial video,
// hotspot playlists, overlay images, and transition videos between adjacent
// locations in the set. Every failure is local: a broken scope contributes
// zero assets.
func (o *Orchestrator) discover(ctx context.Context, locationIDs []string) []media.Asset {
	seen := make(map[string]bool)
	var out []media.Asset
	add := func(a *media.Asset) {
		if a == nil || a.ID == "" || seen[a.ID] {
			return
		}
		seen[a.ID] = true
		out = append(out, *a)
	}

	for _, locID := range locationIDs {
		loc, err := o.source.GetLocation(ctx, locID)
		if err != nil {
			o.log.Warn("location lookup failed", slog.String("location", locID), slog.String("error", err.Error()))
			continue
		}
		if loc == nil {
			o.log.Warn("location not found", slog.String("location", locID))
			continue
		}
		add(loc.AerialVideo)

		hotspots, err := o.source.GetHotspotsByLocation(ctx, locID)
		if err != nil {
			o.log.Warn("hotspot lookup failed", slog.String("location", locID), slog.String("error", err.Error()))
			hotspots = nil
		}
		for _, h := range hotspots {
			if h.Type != playback.HotspotPrimary {
				continue
			}
			pl, err := o.source.GetPlaylistByHotspot(ctx, h.ID)
			if err != nil {
				o.log.Warn("playlist lookup failed", slog.String("hotspot", h.ID), slog.String("error", err.Error()))
				continue
			}
			if pl == nil {
				continue
			}
			add(pl.DiveInVideo)
			add(pl.FloorLevelVideo)
			add(pl.ZoomOutVideo)
		}

		images, err := o.source.GetAssetsByType(ctx, media.AssetImage, locID)
		if err != nil {
			o.log.Warn("image lookup failed", slog.String("location", locID), slog.String("error", err.Error()))
			images = nil
		}
		for i := range images {
			add(&images[i])
		}
	}

	// Transition videos between adjacent locations, both directions.
	for i := 0; i+1 < len(locationIDs); i++ {
		for _, pair := range [][2]string{{locationIDs[i], locationIDs[i+1]}, {locationIDs[i+1], locationIDs[i]}} {
			video, err := o.source.GetTransitionVideo(ctx, pair[0], pair[1])
			if err != nil {
				o.log.Warn("transition lookup failed",
					slog.String("from", pair[0]),
					slog.String("to", pair[1]),
					slog.String("error", err.Error()))
				continue
			}
			add(video)
		}
	}
	return out
}

func (o *Orchestrator) snapshot(degraded bool) Result {
	total, loaded, errored := o.registry.Counts()
	return Result{Total: total, Loaded: loaded, Errored: errored, Degraded: degraded}
}
