package playback

// VideoState identifies what kind of video playback is currently showing.
// Exactly one state is current at any time; StateAerial is the resting state.
type VideoState string

const (
	StateAerial             VideoState = "aerial"
	StateDiveIn             VideoState = "dive_in"
	StateFloorLevel         VideoState = "floor_level"
	StateZoomOut            VideoState = "zoom_out"
	StateLocationTransition VideoState = "location_transition"
	StateTransition         VideoState = "transition"
)

// transitionTable maps each state to the states reachable directly from it.
// StateAerial is deliberately absent from every set: returning to aerial is
// the universal escape and is always permitted (see CanTransition).
// DiveIn lists ZoomOut as well as FloorLevel because playlists may omit the
// floor-level video, in which case the sequence skips straight to zoom-out.
var transitionTable = map[VideoState][]VideoState{
	StateAerial:             {StateDiveIn, StateLocationTransition, StateTransition},
	StateDiveIn:             {StateFloorLevel, StateZoomOut},
	StateFloorLevel:         {StateZoomOut},
	StateZoomOut:            {},
	StateLocationTransition: {},
	StateTransition:         {},
}

// CanTransition reports whether moving from one state to another is legal.
// Transitions to StateAerial always succeed; everything else is looked up in
// the transition table.
func CanTransition(from, to VideoState) bool {
	if to == StateAerial {
		return true
	}
	for _, s := range transitionTable[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HotspotType separates hotspots that drive playback from informational ones.
type HotspotType string

const (
	// HotspotPrimary hotspots start a dive-in playlist when activated.
	HotspotPrimary HotspotType = "primary"
	// HotspotSecondary hotspots only show auxiliary info; they never touch
	// playback state.
	HotspotSecondary HotspotType = "secondary"
)

// Hotspot is a clickable region over a location's aerial video.
// This also matches the JSON shape served by the metadata source.
type Hotspot struct {
	ID          string      `json:"id"`
	Type        HotspotType `json:"type"`
	PlaylistRef string      `json:"playlistRef,omitempty"`
}
