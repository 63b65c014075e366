package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anteup/roomlink/internal/orchestrator"
	"github.com/anteup/roomlink/pkg/types"
)

type connectRequest struct {
	UserID string `json:"user_id"`
}

type readyRequest struct {
	UserID string `json:"user_id"`
	Ready  bool   `json:"ready"`
}

type statusResponse struct {
	RoomID   string                        `json:"room_id"`
	State    string                        `json:"state"`
	Healthy  bool                          `json:"healthy"`
	Sent     int                           `json:"heartbeats_sent"`
	Presence map[string]types.PresenceMeta `json:"presence"`
}

func Connect(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		var req connectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		if err := o.Connect(r.Context(), roomID, req.UserID); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func Disconnect(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		var req connectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		if err := o.Disconnect(r.Context(), roomID, req.UserID); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func Ready(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		var req readyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		if err := o.MarkReady(r.Context(), roomID, req.UserID, req.Ready); err != nil {
			// optimistic state kept; persistence is behind until the next write
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func Status(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		resp := statusResponse{
			RoomID:   roomID,
			State:    string(o.RoomState(roomID)),
			Healthy:  o.Heartbeat().IsHealthy(roomID),
			Presence: o.Presence().Snapshot(roomID),
		}
		if stats, ok := o.Heartbeat().RoomStats(roomID); ok {
			resp.Sent = stats.SentCount
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
