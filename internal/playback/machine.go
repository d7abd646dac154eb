package playback

import (
	"errors"
	"log/slog"
	"sync"

	"media-orchestrator/internal/media"
)

var (
	// ErrMissingHotspot is returned when StartHotspotPlaylist is called
	// without a hotspot or playlist.
	ErrMissingHotspot = errors.New("hotspot and playlist are required")

	// ErrNotPrimary is returned when a secondary hotspot tries to start a
	// playlist; secondary hotspots never affect playback state.
	ErrNotPrimary = errors.New("only primary hotspots start playlists")

	// ErrEmptyPlaylist is returned when a playlist defines no videos at all.
	// The machine's state is left unchanged in that case.
	ErrEmptyPlaylist = errors.New("playlist defines no videos")

	// ErrNoPlaylist is returned by Advance when no hotspot playlist is active.
	ErrNoPlaylist = errors.New("no active playlist")

	// ErrInvalidTransition is returned by ChangeState for moves the
	// transition table forbids. State is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrMissingLocation is returned when a location transition lacks a
	// source or destination.
	ErrMissingLocation = errors.New("source and destination locations are required")

	// ErrNoTransition is returned by CompleteLocationTransition when no
	// location transition is in progress.
	ErrNoTransition = errors.New("no location transition in progress")
)

// Playlist is the ordered video set attached to a primary hotspot. Any field
// may be nil; undefined entries are skipped, not treated as errors.
type Playlist struct {
	DiveInVideo     *media.Asset `json:"diveInVideo,omitempty"`
	FloorLevelVideo *media.Asset `json:"floorLevelVideo,omitempty"`
	ZoomOutVideo    *media.Asset `json:"zoomOutVideo,omitempty"`
}

// LoadRequest asks the player UI to load and play a video. VideoType is the
// derived id the UI echoes back through HandleVideoEnded.
type LoadRequest struct {
	AssetID   string
	VideoType string
	State     VideoState
}

// EventSink receives machine events. The player UI implements it; tests use
// a recorder. Sinks are invoked synchronously in emission order, after the
// machine has finished mutating its own state.
type EventSink interface {
	StateChanged(from, to VideoState)
	LoadVideo(req LoadRequest)
}

// TransitionContext is live only while a location transition is current.
type TransitionContext struct {
	SourceLocation      string
	DestinationLocation string
	TransitionVideo     *media.Asset
}

type queuedVideo struct {
	assetID   string
	videoType string
	state     VideoState
}

// Machine sequences hotspot playlists and location transitions. It holds
// media references by id only and never mutates the registry. Callers must
// serialize overlapping operations; the machine guards only its own fields.
type Machine struct {
	mu sync.Mutex

	state      VideoState
	queue      []queuedVideo
	queuePos   int
	hotspot    *Hotspot
	transition *TransitionContext

	sink EventSink
	log  *slog.Logger
}

// NewMachine returns a machine resting in StateAerial. sink must not be nil.
func NewMachine(sink EventSink, log *slog.Logger) *Machine {
	return &Machine{state: StateAerial, sink: sink, log: log}
}

// State returns the current video state.
func (m *Machine) State() VideoState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveHotspot returns the hotspot whose playlist is in progress, or nil.
func (m *Machine) ActiveHotspot() *Hotspot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hotspot
}

// StartHotspotPlaylist begins the dive-in sequence for a primary hotspot.
// If another playlist is already in progress it is reset first, so no
// bookkeeping leaks between hotspots. The queue is built from the playlist's
// defined videos only, in the fixed order dive-in, floor-level, zoom-out.
// An empty queue refuses to start and leaves the video state unchanged.
func (m *Machine) StartHotspotPlaylist(h *Hotspot, p *Playlist) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h == nil {
		return ErrMissingHotspot
	}
	if h.Type != HotspotPrimary {
		m.log.Debug("ignoring non-primary hotspot", slog.String("hotspot", h.ID))
		return ErrNotPrimary
	}

	if m.hotspot != nil {
		m.resetPlaylistLocked()
	}

	queue := buildQueue(h, p)
	if len(queue) == 0 {
		m.resetPlaylistLocked()
		m.log.Warn("playlist defines no videos", slog.String("hotspot", h.ID))
		return ErrEmptyPlaylist
	}

	m.hotspot = h
	m.queue = queue
	m.queuePos = 0
	m.log.Info("playlist started",
		slog.String("hotspot", h.ID),
		slog.Int("videos", len(queue)))
	return nil
}

// Advance plays the next queued video. When the queue is exhausted it resets
// all playlist bookkeeping first and only then emits the aerial state-changed
// event, so consumers can never observe an exhausted queue with a stale state
// and race a second advance against the reset.
func (m *Machine) Advance() error {
	m.mu.Lock()

	if m.hotspot == nil {
		m.mu.Unlock()
		return ErrNoPlaylist
	}

	if m.queuePos >= len(m.queue) {
		from := m.state
		m.resetPlaylistLocked()
		m.state = StateAerial
		m.mu.Unlock()
		m.sink.StateChanged(from, StateAerial)
		return nil
	}

	item := m.queue[m.queuePos]
	m.queuePos++
	from := m.state
	m.state = item.state
	m.mu.Unlock()

	m.sink.LoadVideo(LoadRequest{AssetID: item.assetID, VideoType: item.videoType, State: item.state})
	m.sink.StateChanged(from, item.state)
	return nil
}

// HandleVideoEnded reacts to the UI reporting that a video finished.
// A finishing transition video completes the location transition. Inside a
// playlist it behaves exactly like Advance, including the reset-to-aerial
// when the last video (typically zoom-out) ends. Outside a playlist, any
// non-aerial video ending returns the machine to aerial.
func (m *Machine) HandleVideoEnded(videoType string) error {
	m.mu.Lock()
	if t := m.transition; t != nil && t.TransitionVideo != nil && t.TransitionVideo.ID == videoType {
		m.mu.Unlock()
		return m.CompleteLocationTransition()
	}
	if m.hotspot != nil {
		m.mu.Unlock()
		return m.Advance()
	}
	from := m.state
	if from == StateAerial {
		m.mu.Unlock()
		return nil
	}
	m.state = StateAerial
	m.mu.Unlock()
	m.sink.StateChanged(from, StateAerial)
	return nil
}

// ChangeState moves to newState if the transition table allows it. Moves to
// StateAerial always succeed (universal escape); anything else invalid is
// rejected with the state unchanged.
func (m *Machine) ChangeState(newState VideoState) error {
	m.mu.Lock()

	from := m.state
	if !CanTransition(from, newState) {
		m.mu.Unlock()
		m.log.Warn("state transition rejected",
			slog.String("from", string(from)),
			slog.String("to", string(newState)))
		return ErrInvalidTransition
	}
	m.state = newState
	m.mu.Unlock()

	if from != newState {
		m.sink.StateChanged(from, newState)
	}
	return nil
}

// StartLocationTransition begins the handoff from source to destination.
// A location change always takes priority over an open hotspot sequence, so
// any active playlist is reset first. With a transition video the machine
// enters StateLocationTransition and requests that video; completion then
// waits for HandleVideoEnded. Without one, completion is immediate.
func (m *Machine) StartLocationTransition(source, destination string, video *media.Asset) error {
	m.mu.Lock()

	if source == "" || destination == "" {
		m.mu.Unlock()
		return ErrMissingLocation
	}

	if m.hotspot != nil {
		m.resetPlaylistLocked()
	}

	m.transition = &TransitionContext{
		SourceLocation:      source,
		DestinationLocation: destination,
		TransitionVideo:     video,
	}

	if video == nil {
		m.mu.Unlock()
		// Synchronous fallback: no bridging video, complete right away.
		return m.CompleteLocationTransition()
	}

	from := m.state
	m.state = StateLocationTransition
	m.mu.Unlock()

	m.sink.LoadVideo(LoadRequest{AssetID: video.ID, VideoType: video.ID, State: StateLocationTransition})
	m.sink.StateChanged(from, StateLocationTransition)
	m.log.Info("location transition started",
		slog.String("from", source),
		slog.String("to", destination))
	return nil
}

// CompleteLocationTransition clears the transition context, returns to
// aerial, and requests the destination's aerial video. Fails without
// touching state if no transition is active.
func (m *Machine) CompleteLocationTransition() error {
	m.mu.Lock()

	t := m.transition
	if t == nil {
		m.mu.Unlock()
		return ErrNoTransition
	}
	m.transition = nil
	from := m.state
	m.state = StateAerial
	m.mu.Unlock()

	if from != StateAerial {
		m.sink.StateChanged(from, StateAerial)
	}
	aerialID := media.DeriveID(media.RoleAerial, t.DestinationLocation)
	m.sink.LoadVideo(LoadRequest{AssetID: aerialID, VideoType: aerialID, State: StateAerial})
	m.log.Info("location transition completed", slog.String("location", t.DestinationLocation))
	return nil
}

// resetPlaylistLocked clears all playlist bookkeeping without emitting
// events or touching the video state. Caller must hold m.mu.
func (m *Machine) resetPlaylistLocked() {
	m.queue = nil
	m.queuePos = 0
	m.hotspot = nil
}

// buildQueue assembles the playback queue from the playlist's defined
// entries, in the fixed dive-in, floor-level, zoom-out order.
func buildQueue(h *Hotspot, p *Playlist) []queuedVideo {
	var queue []queuedVideo
	if p == nil {
		return queue
	}
	if p.DiveInVideo != nil {
		queue = append(queue, queuedVideo{
			assetID:   p.DiveInVideo.ID,
			videoType: media.DeriveID(media.RoleDiveIn, h.ID),
			state:     StateDiveIn,
		})
	}
	if p.FloorLevelVideo != nil {
		queue = append(queue, queuedVideo{
			assetID:   p.FloorLevelVideo.ID,
			videoType: media.DeriveID(media.RoleFloorLevel, h.ID),
			state:     StateFloorLevel,
		})
	}
	if p.ZoomOutVideo != nil {
		queue = append(queue, queuedVideo{
			assetID:   p.ZoomOutVideo.ID,
			videoType: media.DeriveID(media.RoleZoomOut, h.ID),
			state:     StateZoomOut,
		})
	}
	return queue
}
