package media

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// AssetType distinguishes what kind of media an asset holds.
type AssetType string

const (
	AssetVideo AssetType = "video"
	AssetImage AssetType = "image"
)

// Role names the semantic slot an asset fills for its owning entity.
// Asset ids are derived from (role, owner) so lookups never guess.
type Role string

const (
	RoleAerial     Role = "aerial"
	RoleDiveIn     Role = "diveIn"
	RoleFloorLevel Role = "floorLevel"
	RoleZoomOut    Role = "zoomOut"
	RoleTransition Role = "transition"
	RoleHotspot    Role = "hotspot"
)

// Asset describes one media item by origin URL and content identity.
// This also matches the input JSON shape used by the metadata source.
type Asset struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	LastModified time.Time `json:"lastModified"`
	LocationID   string    `json:"locationId,omitempty"`
	Type         AssetType `json:"type"`
}

// DeriveID returns the deterministic asset id for a role on an owner,
// e.g. DeriveID(RoleDiveIn, "h12") == "diveIn_h12". Registering the same
// role/owner pair twice therefore always collides on purpose.
func DeriveID(role Role, ownerID string) string {
	return string(role) + "_" + ownerID
}

// VersionHash fingerprints the asset's content identity. It changes if and
// only if (url, lastModified) changes; equal inputs always hash equal, so it
// is safe to use as a cache-invalidation key across sessions.
func VersionHash(url string, lastModified time.Time) uint64 {
	h := xxhash.New()
	h.WriteString(url)
	h.WriteString("|")
	h.WriteString(strconv.FormatInt(lastModified.UnixMilli(), 10))
	return h.Sum64()
}
