package loader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"media-orchestrator/internal/media"
)

// DefaultConcurrency bounds how many fetches a DirectFetch runs at once.
const DefaultConcurrency = 3

// DirectFetch downloads assets in-process to a local cache directory through
// a bounded-concurrency queue. Files are written to a .partial path and
// renamed into place once complete, so a crash never leaves a half file
// looking cached.
type DirectFetch struct {
	cacheDir    string
	client      *http.Client
	concurrency int
	limiter     *rate.Limiter
	log         *slog.Logger

	mu         sync.Mutex
	paths      map[string]string // asset id -> materialized file path
	generation int               // bumped by ClearCache to discard in-flight results
}

// DirectFetchOption customizes a DirectFetch.
type DirectFetchOption func(*DirectFetch)

// WithConcurrency sets the in-flight fetch cap (default 3).
func WithConcurrency(n int) DirectFetchOption {
	return func(d *DirectFetch) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithRateLimit paces fetch starts at r requests per second with the given
// burst. Zero or negative r disables pacing.
func WithRateLimit(r float64, burst int) DirectFetchOption {
	return func(d *DirectFetch) {
		if r > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithHTTPClient overrides the HTTP client (tests use httptest clients).
func WithHTTPClient(c *http.Client) DirectFetchOption {
	return func(d *DirectFetch) { d.client = c }
}

// NewDirectFetch returns a strategy that materializes media under cacheDir.
func NewDirectFetch(cacheDir string, log *slog.Logger, opts ...DirectFetchOption) *DirectFetch {
	d := &DirectFetch{
		cacheDir:    cacheDir,
		client:      http.DefaultClient,
		concurrency: DefaultConcurrency,
		log:         log,
		paths:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Load implements Strategy.Load. Each asset settles exactly once; failures
// are isolated and reported through progress, never returned.
func (d *DirectFetch) Load(ctx context.Context, assets []media.Asset, progress ProgressFunc) error {
	if len(assets) == 0 {
		return nil
	}
	if err := os.MkdirAll(d.cacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	d.mu.Lock()
	gen := d.generation
	d.mu.Unlock()

	total := len(assets)
	var progressMu sync.Mutex
	done := 0
	report := func(res AssetResult) {
		progressMu.Lock()
		done++
		n := done
		progressMu.Unlock()
		if progress != nil {
			progress(n, total, res)
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			if err := d.fetchOne(ctx, asset, gen); err != nil {
				d.log.Warn("asset load failed",
					slog.String("asset", asset.ID),
					slog.String("error", err.Error()))
				report(AssetResult{AssetID: asset.ID, Err: err})
				return nil
			}
			report(AssetResult{AssetID: asset.ID})
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// IsCached implements Strategy.IsCached.
func (d *DirectFetch) IsCached(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.paths[id]
	return ok
}

// URL implements Strategy.URL: the materialized file path, or "".
func (d *DirectFetch) URL(id string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paths[id]
}

// ClearCache implements Strategy.ClearCache. In-flight fetches complete but
// their results are discarded because the generation no longer matches.
func (d *DirectFetch) ClearCache() error {
	d.mu.Lock()
	d.generation++
	old := d.paths
	d.paths = make(map[string]string)
	d.mu.Unlock()

	var firstErr error
	for _, p := range old {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *DirectFetch) fetchOne(ctx context.Context, asset media.Asset, gen int) error {
	if asset.URL == "" {
		return fmt.Errorf("asset %s has no url", asset.ID)
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	finalPath := d.cachePath(asset)
	partial := finalPath + ".partial"

	if err := download(ctx, d.client, asset.URL, partial); err != nil {
		os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, finalPath); err != nil {
		os.Remove(partial)
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.generation != gen {
		// Cache was cleared while this fetch was in flight; drop the result.
		os.Remove(finalPath)
		return fmt.Errorf("cache cleared during load of %s", asset.ID)
	}
	d.paths[asset.ID] = finalPath
	return nil
}

func (d *DirectFetch) cachePath(asset media.Asset) string {
	ext := path.Ext(asset.URL)
	if ext == "" || len(ext) > 5 {
		if asset.Type == media.AssetImage {
			ext = ".img"
		} else {
			ext = ".mp4"
		}
	}
	return filepath.Join(d.cacheDir, sanitizeID(asset.ID)+ext)
}

func download(ctx context.Context, client *http.Client, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: %s", url, resp.Status)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

// sanitizeID keeps asset ids filesystem-safe. Same id always maps to the
// same path.
func sanitizeID(id string) string {
	s := strings.ReplaceAll(id, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "_")
	if s == "" {
		s = "unknown"
	}
	return s
}
