// Package api exposes the orchestration engine over HTTP. Marshaling
// and status mapping live here; the engine knows nothing about HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/taskweave/internal/agent"
	"github.com/nidhogg/taskweave/internal/decision"
	"github.com/nidhogg/taskweave/internal/exec"
	"github.com/nidhogg/taskweave/internal/orchestrator"
	"github.com/nidhogg/taskweave/internal/plan"
	"github.com/nidhogg/taskweave/internal/store"
	"github.com/nidhogg/taskweave/internal/task"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc    *orchestrator.Service
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc *orchestrator.Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/loads", h.loads)

		r.Post("/tasks", h.submitTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/assign", h.assignTask)
		r.Post("/tasks/{id}/plan", h.planCollaboration)
		r.Post("/rebalance", h.rebalance)

		r.Get("/plans/{id}", h.getPlan)
		r.Post("/plans/{id}/execute", h.executePlan)
		r.Post("/plans/{id}/pause", h.pausePlan)
		r.Post("/plans/{id}/resume", h.resumePlan)
		r.Post("/plans/{id}/cancel", h.cancelPlan)

		r.Get("/decisions", h.queryDecisions)
		r.Post("/decisions", h.recordOverride)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.svc.Agents(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var p agent.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.svc.RegisterAgent(r.Context(), &p); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) loads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Loads())
}

type submitTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	priority, err := task.ParsePriority(req.Priority)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	t, err := h.svc.SubmitTask(r.Context(), req.Title, req.Description, priority)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) assignTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Assign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) planCollaboration(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.PlanCollaboration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) rebalance(w http.ResponseWriter, r *http.Request) {
	moves, err := h.svc.Rebalance(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reassignments": moves})
}

func (h *Handler) getPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Plan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) executePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.ExecutePlan(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	p, err := h.svc.Plan(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) pausePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.PausePlan(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(plan.StatusPaused)})
}

func (h *Handler) resumePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.ResumePlan(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	p, err := h.svc.Plan(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelPlan(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by caller"
	}
	if err := h.svc.CancelPlan(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(plan.StatusCancelled)})
}

func (h *Handler) queryDecisions(w http.ResponseWriter, r *http.Request) {
	typ := decision.Type(r.URL.Query().Get("type"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
			return
		}
		limit = n
	}
	decisions, err := h.svc.QueryDecisions(r.Context(), typ, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

type overrideRequest struct {
	Reasoning string         `json:"reasoning"`
	Context   map[string]any `json:"context"`
	Outcome   map[string]any `json:"outcome"`
}

func (h *Handler) recordOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	d, err := h.svc.RecordOverride(r.Context(), req.Reasoning, req.Context, req.Outcome)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// writeError maps engine errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var gf *exec.GeneratorFailure
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoCapacity),
		errors.Is(err, orchestrator.ErrNoCollaboration),
		errors.Is(err, plan.ErrPlanExists),
		errors.Is(err, plan.ErrNoEligibleAgents):
		status = http.StatusConflict
	case errors.Is(err, plan.ErrInvalidTransition), errors.Is(err, task.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, plan.ErrDependencyCycle):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &gf):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
