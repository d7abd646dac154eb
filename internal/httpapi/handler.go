package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"media-orchestrator/internal/loader"
	"media-orchestrator/internal/platform/metrics"
	"media-orchestrator/internal/playback"
	"media-orchestrator/internal/preload"
)

// Handler exposes the playback and preload control surface over HTTP using
// go-chi. The player UI drives the engine through these endpoints.
type Handler struct {
	machine      *playback.Machine
	orchestrator *preload.Orchestrator
	source       preload.Source
	strategy     loader.Strategy
	log          *slog.Logger
	metrics      *metrics.Metrics
}

// NewHandler returns a Handler. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(machine *playback.Machine, orch *preload.Orchestrator, source preload.Source, strategy loader.Strategy, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		machine:      machine,
		orchestrator: orch,
		source:       source,
		strategy:     strategy,
		log:          log,
		metrics:      m,
	}
}

// Routes mounts all endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/locations/preload", h.PreloadLocations)
	r.Post("/locations/transition", h.StartTransition)
	r.Get("/preload/status", h.PreloadStatus)
	r.Post("/hotspots/{hotspot_id}/activate", h.ActivateHotspot)
	r.Post("/playback/advance", h.Advance)
	r.Post("/playback/video-ended", h.VideoEnded)
	r.Get("/playback/state", h.PlaybackState)
	r.Get("/media/{asset_id}/url", h.MediaURL)
}

type stateResponse struct {
	State   playback.VideoState `json:"state"`
	Hotspot string              `json:"hotspot,omitempty"`
}

func (h *Handler) stateResponse() stateResponse {
	resp := stateResponse{State: h.machine.State()}
	if hs := h.machine.ActiveHotspot(); hs != nil {
		resp.Hotspot = hs.ID
	}
	return resp
}

// PreloadLocations handles POST /locations/preload.
// Body: { "locations": ["loc-1", "loc-2"] }. Runs the preload to completion
// or the global timeout and returns the aggregate result.
func (h *Handler) PreloadLocations(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Locations []string `json:"locations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Locations) == 0 {
		h.log.Debug("invalid preload body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	res := h.orchestrator.PreloadLocationSet(r.Context(), body.Locations, h.strategy)
	writeJSON(w, http.StatusOK, res)
}

// PreloadStatus handles GET /preload/status.
func (h *Handler) PreloadStatus(w http.ResponseWriter, r *http.Request) {
	res, running := h.orchestrator.Status()
	writeJSON(w, http.StatusOK, struct {
		preload.Result
		Running bool `json:"running"`
	}{Result: res, Running: running})
}

// ActivateHotspot handles POST /hotspots/{hotspot_id}/activate.
// Optional body: { "locationId": "loc-1" } narrows the hotspot search.
func (h *Handler) ActivateHotspot(w http.ResponseWriter, r *http.Request) {
	hotspotID := chi.URLParam(r, "hotspot_id")
	if hotspotID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var body struct {
		LocationID string `json:"locationId"`
	}
	// Body is optional; ignore decode errors for an empty body.
	_ = json.NewDecoder(r.Body).Decode(&body)

	hotspot := h.findHotspot(r.Context(), hotspotID, body.LocationID)
	if hotspot == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	pl, err := h.source.GetPlaylistByHotspot(r.Context(), hotspotID)
	if err != nil {
		h.log.Warn("playlist lookup failed", slog.String("hotspot", hotspotID), slog.String("error", err.Error()))
		pl = nil
	}

	if err := h.machine.StartHotspotPlaylist(hotspot, pl); err != nil {
		switch {
		case errors.Is(err, playback.ErrNotPrimary), errors.Is(err, playback.ErrEmptyPlaylist):
			h.log.Info("hotspot activation refused",
				slog.String("hotspot", hotspotID),
				slog.String("error", err.Error()))
			if h.metrics != nil {
				h.metrics.IncInvalidTransitions()
			}
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, playback.ErrMissingHotspot):
			writeError(w, http.StatusNotFound, err)
		default:
			h.log.Error("hotspot activation failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	// First video plays immediately on activation.
	if err := h.machine.Advance(); err != nil {
		h.log.Error("advance after activation failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.stateResponse())
}

// Advance handles POST /playback/advance.
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	if err := h.machine.Advance(); err != nil {
		if errors.Is(err, playback.ErrNoPlaylist) {
			if h.metrics != nil {
				h.metrics.IncInvalidTransitions()
			}
			writeError(w, http.StatusConflict, err)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.stateResponse())
}

// VideoEnded handles POST /playback/video-ended.
// Body: { "videoType": "diveIn_h12" }.
func (h *Handler) VideoEnded(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VideoType string `json:"videoType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.VideoType == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.machine.HandleVideoEnded(body.VideoType); err != nil {
		h.log.Warn("video ended handling failed",
			slog.String("video_type", body.VideoType),
			slog.String("error", err.Error()))
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, h.stateResponse())
}

// PlaybackState handles GET /playback/state.
func (h *Handler) PlaybackState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stateResponse())
}

// StartTransition handles POST /locations/transition.
// Body: { "from": "loc-1", "to": "loc-2" }. The transition video, if any,
// comes from the metadata source; absence means a synchronous handoff.
func (h *Handler) StartTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	video, err := h.source.GetTransitionVideo(r.Context(), body.From, body.To)
	if err != nil {
		h.log.Warn("transition video lookup failed", slog.String("error", err.Error()))
		video = nil
	}

	if err := h.machine.StartLocationTransition(body.From, body.To, video); err != nil {
		if errors.Is(err, playback.ErrMissingLocation) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.stateResponse())
}

// MediaURL handles GET /media/{asset_id}/url: the playable reference for a
// loaded asset, 404 while not yet materialized.
func (h *Handler) MediaURL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "asset_id")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	url := h.strategy.URL(id)
	if url == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// findHotspot resolves a hotspot record, searching one location or all of
// them. Metadata failures reduce to "not found".
func (h *Handler) findHotspot(ctx context.Context, hotspotID, locationID string) *playback.Hotspot {
	locationIDs := []string{locationID}
	if locationID == "" {
		locs, err := h.source.GetLocations(ctx)
		if err != nil {
			h.log.Warn("location list failed", slog.String("error", err.Error()))
			return nil
		}
		locationIDs = locationIDs[:0]
		for _, l := range locs {
			locationIDs = append(locationIDs, l.ID)
		}
	}
	for _, locID := range locationIDs {
		hotspots, err := h.source.GetHotspotsByLocation(ctx, locID)
		if err != nil {
			continue
		}
		for i := range hotspots {
			if hotspots[i].ID == hotspotID {
				return &hotspots[i]
			}
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
