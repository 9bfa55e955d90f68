package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/NeelM47/smlp/internal/pool"
)

// Source is the read-only view of the coordinator's pool served by the API.
type Source interface {
	Stats() pool.Stats
	List() []pool.Entry
	Get(id string) (pool.Entry, bool)
}

// Router returns the chi.Router for REST API v1.
func Router(src Source) chi.Router {
	r := chi.NewRouter()
	h := &handlers{src: src}

	r.Get("/pool", h.getPool)
	r.Get("/problems", h.listProblems)
	// Problem ids are often file paths, so take the rest of the URL.
	r.Get("/problems/*", h.getProblem)

	return r
}

type handlers struct {
	src Source
}

// getPool handles GET /pool
func (h *handlers) getPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.src.Stats())
}

// listProblems handles GET /problems?status=<status>
func (h *handlers) listProblems(w http.ResponseWriter, r *http.Request) {
	status := pool.Status(r.URL.Query().Get("status"))
	items := h.src.List()
	if status != "" {
		filtered := items[:0]
		for _, e := range items {
			if e.Status == status {
				filtered = append(filtered, e)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// getProblem handles GET /problems/{problemId}
func (h *handlers) getProblem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")
	if id == "" {
		http.Error(w, "problemId is required", http.StatusBadRequest)
		return
	}
	e, ok := h.src.Get(id)
	if !ok {
		http.Error(w, "problem not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
