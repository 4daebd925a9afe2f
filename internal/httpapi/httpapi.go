// SPDX-License-Identifier: MIT

// Package httpapi wires the HTTP surface: job submission and status, the
// worker and listener websocket upgrade endpoints, admin actions, health,
// and metrics. It is the only package that knows about chi, CORS, and the
// validator — the dispatch core underneath never imports net/http.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshforge/dispatch/clog"
	"github.com/meshforge/dispatch/internal/admission"
	"github.com/meshforge/dispatch/internal/audit"
	"github.com/meshforge/dispatch/internal/bridge"
	"github.com/meshforge/dispatch/internal/config"
	"github.com/meshforge/dispatch/internal/jobmodel"
	"github.com/meshforge/dispatch/internal/queue"
	"github.com/meshforge/dispatch/internal/storage"
	"github.com/meshforge/dispatch/internal/subscribers"
	"github.com/meshforge/dispatch/internal/validate"
)

var log = clog.New("httpapi")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// GenerationSettings is the validated shape of a submitter's generation
// parameters, mirroring the original's default_* config fields.
type GenerationSettings struct {
	Steps     int     `json:"steps" validate:"omitempty,min=1,max=200"`
	Guidance  float64 `json:"guidance" validate:"omitempty,min=0"`
	OctreeRes int     `json:"octree_res" validate:"omitempty,min=32,max=1024"`
	Seed      int     `json:"seed"`
	HeightMM  float64 `json:"height_mm" validate:"omitempty,min=1"`
}

// Deps bundles everything the router needs; assembled once by the
// coordinator's main package.
type Deps struct {
	Queue      *queue.Service
	Admission  *admission.Front
	Bridge     *bridge.Bridge
	Subs       *subscribers.Registry
	Storage    storage.Interface
	Validator  validate.Interface
	Audit      *audit.Log
	Defaults   config.GenerationDefaults
	WorkerAuth string
	AdminAuth  string
}

// NewRouter assembles the full HTTP surface.
func NewRouter(d Deps, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	hasWildcard := false
	for _, o := range corsOrigins {
		if o == "*" {
			hasWildcard = true
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: !hasWildcard,
	}))

	v := validator.New()

	r.Get("/health", healthHandler(d.Bridge))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", submitJobHandler(d, v))
		r.Get("/{id}", getJobHandler(d))
	})
	r.Get("/api/queue", queueSummaryHandler(d))

	r.Get("/ws/worker", workerWSHandler(d))
	r.Get("/ws/jobs/{id}", listenerWSHandler(d))

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminAuthMiddleware(d.AdminAuth))
		r.Post("/jobs/{id}/retry", retryJobHandler(d))
		r.Post("/worker/command", workerCommandHandler(d))
		r.Get("/audit", auditHandler(d))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthHandler(b *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "ok",
			"worker_connected": b.WorkerConnected(),
			"paused":           b.Paused(),
		})
	}
}

func submitJobHandler(d Deps, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
			return
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing image field"})
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed reading upload"})
			return
		}

		// Seed with the server-configured defaults; a submitted settings object
		// only overrides the fields it actually sets, so an omitted or
		// partial settings field still enqueues with the original's
		// default_steps/default_guidance/default_octree_res/default_seed/
		// default_height_mm behavior.
		settings := GenerationSettings{
			Steps:     d.Defaults.Steps,
			Guidance:  d.Defaults.Guidance,
			OctreeRes: d.Defaults.OctreeRes,
			Seed:      d.Defaults.Seed,
			HeightMM:  d.Defaults.HeightMM,
		}
		if raw := r.FormValue("settings"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &settings); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid settings json"})
				return
			}
			if err := v.Struct(settings); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
		}

		cleaned, hash, ext, err := d.Validator.Validate(data, header.Filename)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		submitter := r.RemoteAddr
		if idx := strings.LastIndex(submitter, ":"); idx != -1 {
			submitter = submitter[:idx]
		}

		// Keyed by content hash rather than job id, since the job id does not
		// exist until after admission accepts the submission.
		inputRef := hash + "/input." + ext
		if err := d.Storage.SaveInput(cleaned, inputRef); err != nil {
			log.Errorf("save input %s: %v", inputRef, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		result, err := d.Admission.Submit(r.Context(), inputRef, hash, submitter, jobmodel.Settings{
			"steps": settings.Steps, "guidance": settings.Guidance,
			"octree_res": settings.OctreeRes, "seed": settings.Seed, "height_mm": settings.HeightMM,
		})
		if err != nil {
			if rej, ok := err.(*admission.RejectedError); ok {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": string(rej.Reason)})
				return
			}
			log.Errorf("submit job: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		writeJSON(w, http.StatusAccepted, result)
	}
}

func getJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := d.Queue.Get(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		if job == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job id"})
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func queueSummaryHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := d.Queue.Summary(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func workerWSHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token != d.WorkerAuth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if err := d.Bridge.HandleWorkerConn(r.Context(), conn); err != nil {
			log.Printf("worker session ended: %v", err)
		}
	}
}

func listenerWSHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if err := bridge.ServeListener(r.Context(), conn, d.Subs, d.Queue, id); err != nil {
			log.Printf("listener session for %s ended: %v", id, err)
		}
	}
}

func adminAuthMiddleware(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || token != adminToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := d.Queue.Retry(r.Context(), id); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		if d.Audit != nil {
			_ = d.Audit.Record(r.Context(), "admin_retry", id, "")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func workerCommandHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action string `json:"action"`
			JobID  string `json:"job_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
			return
		}
		if !d.Bridge.SendCommand(body.Action, body.JobID) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "no worker connected"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func auditHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Audit == nil {
			writeJSON(w, http.StatusOK, []audit.Entry{})
			return
		}
		entries, err := d.Audit.Recent(r.Context(), 200)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// Shutdown gracefully stops srv, bounded by shutdownTimeout.
func Shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
}
