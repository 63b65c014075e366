package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anteup/roomlink/internal/orchestrator"
)

func SetupRoutes(o *orchestrator.Orchestrator) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Post("/rooms/{roomID}/connect", Connect(o))
	r.Delete("/rooms/{roomID}/connect", Disconnect(o))
	r.Post("/rooms/{roomID}/ready", Ready(o))
	r.Get("/rooms/{roomID}/status", Status(o))
	return r
}
