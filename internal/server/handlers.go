package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/service/orchestrator"
	"github.com/ashita-ai/bunseki/internal/storage"
	"github.com/ashita-ai/bunseki/internal/stream"
)

// detailTimeout bounds a coalesced replay read. The read runs detached from
// any single caller so one client disconnecting does not fail the others.
const detailTimeout = 10 * time.Second

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	executions          Executions
	catalog             *catalog.Catalog
	hub                 *stream.Hub
	store               Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	storeName           string
	maxRequestBodyBytes int64
	detailGroup         singleflight.Group
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Executions          Executions
	Catalog             *catalog.Catalog
	Hub                 *stream.Hub
	Store               Pinger
	Logger              *slog.Logger
	Version             string
	StoreName           string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		executions:          d.Executions,
		catalog:             d.Catalog,
		hub:                 d.Hub,
		store:               d.Store,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		storeName:           d.StoreName,
		maxRequestBodyBytes: maxBody,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if h.storeName != "" {
		storeStatus = h.storeName + ":" + storeStatus
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:           status,
		Version:          h.version,
		Store:            storeStatus,
		ActiveExecutions: h.executions.Active(),
		Tools:            h.catalog.Len(),
		Uptime:           int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleListTools handles GET /v1/tools.
func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	pt, err := queryPlanType(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	q := r.URL.Query()
	f := catalog.Filter{
		PlanType:     pt,
		Organization: q.Get("org"),
		Tags:         queryList(r, "tags"),
	}
	// An explicit permissions parameter, even an empty one, is the caller's
	// complete permission set.
	if q.Has("permissions") {
		f.Permissions = queryList(r, "permissions")
		if f.Permissions == nil {
			f.Permissions = []string{}
		}
	}
	writeJSON(w, r, http.StatusOK, h.catalog.List(f))
}

// HandleToolCatalog handles GET /v1/tools/catalog, the planner-facing view.
func (h *Handlers) HandleToolCatalog(w http.ResponseWriter, r *http.Request) {
	pt, err := queryPlanType(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if pt == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "plan_type is required")
		return
	}
	writeJSON(w, r, http.StatusOK, h.catalog.CatalogFor(pt, r.URL.Query().Get("org")))
}

// HandleStartExecution handles POST /v1/executions. The run continues in the
// background; clients follow it on the events stream.
func (h *Handlers) HandleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req model.StartExecutionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateStartExecution(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	e, err := h.executions.Start(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrActiveExecution):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			fmt.Sprintf("request %s already has an active execution", req.RequestID))
		return
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "server is shutting down")
		return
	default:
		h.logger.Error("start execution failed", "error", err, "request_id", req.RequestID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to start execution")
		return
	}

	w.Header().Set("Location", "/v1/executions/"+e.ID.String())
	writeJSON(w, r, http.StatusAccepted, e)
}

// HandleGetExecution handles GET /v1/executions/{id}.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	detail, err := h.detail(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, r, "execution", err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleCancelExecution handles POST /v1/executions/{id}/cancel.
func (h *Handlers) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if h.executions.Cancel(id) {
		writeJSON(w, r, http.StatusAccepted, map[string]any{"id": id, "status": "cancelling"})
		return
	}

	// Not running here: distinguish unknown runs from finished ones.
	if _, err := h.detail(r.Context(), id); err != nil {
		h.writeLookupError(w, r, "execution", err)
		return
	}
	writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "execution is not active")
}

// HandleGetSnapshot handles GET /v1/snapshots/{id}.
func (h *Handlers) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	snap, err := h.executions.Snapshot(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, r, "snapshot", err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// detail loads the replay view of one execution. Concurrent reads of the same
// id share a single store round trip.
func (h *Handlers) detail(ctx context.Context, id uuid.UUID) (model.ExecutionDetail, error) {
	ch := h.detailGroup.DoChan(id.String(), func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detailTimeout)
		defer cancel()
		return h.executions.Detail(dctx, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.ExecutionDetail{}, res.Err
		}
		return res.Val.(model.ExecutionDetail), nil
	case <-ctx.Done():
		return model.ExecutionDetail{}, ctx.Err()
	}
}

func (h *Handlers) writeLookupError(w http.ResponseWriter, r *http.Request, what string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, what+" not found")
		return
	}
	h.logger.Error("lookup failed", "what", what, "error", err, "path", r.URL.Path)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load "+what)
}

// --- Shared helpers ---

func parseID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %s", raw)
	}
	return id, nil
}

func queryPlanType(r *http.Request) (model.PlanType, error) {
	switch pt := model.PlanType(r.URL.Query().Get("plan_type")); pt {
	case "", model.PlanTypeResearch, model.PlanTypeAction:
		return pt, nil
	default:
		return "", fmt.Errorf("invalid plan_type %q: expected research or action", pt)
	}
}

// queryList reads a comma-separated query parameter, dropping empty items.
// It returns nil when the parameter is absent or empty.
func queryList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for item := range strings.SplitSeq(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
