package media

import (
	"sync"
)

// Record is a registry entry: the asset plus its load outcome. The registry
// owns Record lifetime; callers get copies and never mutate entries directly.
type Record struct {
	Asset       Asset
	Loaded      bool
	Error       string
	VersionHash uint64
}

// Settled reports whether the asset has finished loading, successfully or not.
func (r Record) Settled() bool {
	return r.Loaded || r.Error != ""
}

// Registry is a concurrency-safe catalog of media records keyed by asset id.
// First registration wins for a given id within a session, so repeated
// discovery of the same asset never duplicates fetch work.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry returns a new empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Register records an asset. Idempotent by asset id: if the id is already
// present the call is a no-op and the stored record is left untouched, even
// when the URL or lastModified differ.
func (g *Registry) Register(asset Asset) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.records[asset.ID]; exists {
		return
	}
	g.records[asset.ID] = &Record{
		Asset:       asset,
		VersionHash: VersionHash(asset.URL, asset.LastModified),
	}
}

// Lookup returns a copy of the record for id, or nil if unknown.
func (g *Registry) Lookup(id string) *Record {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec, ok := g.records[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// IsSettled reports whether id is registered and has finished loading
// (loaded or errored). Unknown ids are not settled.
func (g *Registry) IsSettled(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec, ok := g.records[id]
	return ok && (rec.Loaded || rec.Error != "")
}

// MarkLoaded flags id as successfully loaded and clears any previous error.
// Unknown ids are ignored.
func (g *Registry) MarkLoaded(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[id]; ok {
		rec.Loaded = true
		rec.Error = ""
	}
}

// MarkError records a load failure for id. A record that already loaded
// stays loaded; errors never un-load an asset.
func (g *Registry) MarkError(id string, msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[id]; ok && !rec.Loaded {
		rec.Error = msg
	}
}

// Snapshot returns copies of all records, in no particular order.
func (g *Registry) Snapshot() []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Record, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, *rec)
	}
	return out
}

// Counts returns how many records exist, how many loaded, how many errored.
// Used for aggregate progress and metrics gauges.
func (g *Registry) Counts() (total, loaded, errored int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	total = len(g.records)
	for _, rec := range g.records {
		if rec.Loaded {
			loaded++
		} else if rec.Error != "" {
			errored++
		}
	}
	return total, loaded, errored
}
