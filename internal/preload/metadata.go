package preload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"media-orchestrator/internal/media"
	"media-orchestrator/internal/playback"
)

// Location is one location experience: an aerial overview video plus
// hotspots layered on top of it.
type Location struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	AerialVideo *media.Asset `json:"aerialVideo,omitempty"`
}

// Source is the metadata collaborator contract. Implementations return nil
// (not an error) for absent records; the orchestrator treats absence as "no
// asset available", never as a fatal condition.
type Source interface {
	GetLocations(ctx context.Context) ([]Location, error)
	GetLocation(ctx context.Context, id string) (*Location, error)
	GetHotspotsByLocation(ctx context.Context, locationID string) ([]playback.Hotspot, error)
	GetPlaylistByHotspot(ctx context.Context, hotspotID string) (*playback.Playlist, error)
	GetAssetsByType(ctx context.Context, t media.AssetType, locationID string) ([]media.Asset, error)
	GetTransitionVideo(ctx context.Context, fromID, toID string) (*media.Asset, error)
}

// catalogHotspot pairs a hotspot with its playlist in the catalog file.
type catalogHotspot struct {
	playback.Hotspot
	Playlist *playback.Playlist `json:"playlist,omitempty"`
}

type catalogLocation struct {
	Location
	Hotspots []catalogHotspot `json:"hotspots,omitempty"`
	Assets   []media.Asset    `json:"assets,omitempty"`
}

type catalogTransition struct {
	From  string       `json:"from"`
	To    string       `json:"to"`
	Video *media.Asset `json:"video,omitempty"`
}

type catalogFile struct {
	Locations   []catalogLocation   `json:"locations"`
	Transitions []catalogTransition `json:"transitions,omitempty"`
}

// CatalogSource serves location metadata from a JSON catalog file. It is the
// Source the server binary uses; tests plug in their own fakes.
type CatalogSource struct {
	mu      sync.RWMutex
	catalog catalogFile
}

// LoadCatalog reads and parses the catalog at path.
func LoadCatalog(path string) (*CatalogSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cat catalogFile
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return &CatalogSource{catalog: cat}, nil
}

// GetLocations implements Source.
func (c *CatalogSource) GetLocations(ctx context.Context) ([]Location, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Location, 0, len(c.catalog.Locations))
	for _, loc := range c.catalog.Locations {
		out = append(out, loc.Location)
	}
	return out, nil
}

// GetLocation implements Source.
func (c *CatalogSource) GetLocation(ctx context.Context, id string) (*Location, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, loc := range c.catalog.Locations {
		if loc.ID == id {
			cp := loc.Location
			return &cp, nil
		}
	}
	return nil, nil
}

// GetHotspotsByLocation implements Source.
func (c *CatalogSource) GetHotspotsByLocation(ctx context.Context, locationID string) ([]playback.Hotspot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, loc := range c.catalog.Locations {
		if loc.ID != locationID {
			continue
		}
		out := make([]playback.Hotspot, 0, len(loc.Hotspots))
		for _, h := range loc.Hotspots {
			out = append(out, h.Hotspot)
		}
		return out, nil
	}
	return nil, nil
}

// GetPlaylistByHotspot implements Source.
func (c *CatalogSource) GetPlaylistByHotspot(ctx context.Context, hotspotID string) (*playback.Playlist, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, loc := range c.catalog.Locations {
		for _, h := range loc.Hotspots {
			if h.ID == hotspotID && h.Playlist != nil {
				cp := *h.Playlist
				return &cp, nil
			}
		}
	}
	return nil, nil
}

// GetAssetsByType implements Source. An empty locationID matches all
// locations.
func (c *CatalogSource) GetAssetsByType(ctx context.Context, t media.AssetType, locationID string) ([]media.Asset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []media.Asset
	for _, loc := range c.catalog.Locations {
		if locationID != "" && loc.ID != locationID {
			continue
		}
		for _, a := range loc.Assets {
			if a.Type == t {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// GetTransitionVideo implements Source.
func (c *CatalogSource) GetTransitionVideo(ctx context.Context, fromID, toID string) (*media.Asset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, tr := range c.catalog.Transitions {
		if tr.From == fromID && tr.To == toID && tr.Video != nil {
			cp := *tr.Video
			return &cp, nil
		}
	}
	return nil, nil
}
