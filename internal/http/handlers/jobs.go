package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/domain/routing"
	"github.com/fieldsync/dispatch/internal/http/middlewares"
	"github.com/fieldsync/dispatch/internal/provider"
	"github.com/fieldsync/dispatch/internal/retry"
	"github.com/fieldsync/dispatch/internal/usecase"
	"github.com/fieldsync/dispatch/internal/utils"
)

// JobCreator runs the create-job workflow: match companies, persist
// the job with its routings and outbox events atomically.
type JobCreator interface {
	Execute(ctx context.Context, in usecase.CreateJobInput) (usecase.CreateJobResult, error)
}

// RoutingSyncer pushes one routing to its provider. The bool reports
// whether the routing is on the provider side after the call.
type RoutingSyncer interface {
	Execute(ctx context.Context, routingID string) (bool, error)
}

type JobsReader interface {
	GetByID(ctx context.Context, id string) (job.Job, error)
	ListCursor(ctx context.Context, status string, limit int, cursor string) ([]job.Job, string, error)
}

type JobRoutingsReader interface {
	GetByJobAndCompany(ctx context.Context, jobID, companyID string) (routing.JobRouting, error)
	ListByJob(ctx context.Context, jobID string) ([]routing.JobRouting, error)
}

type JobsHandler struct {
	create   JobCreator
	sync     RoutingSyncer
	jobs     JobsReader
	routings JobRoutingsReader
}

func NewJobsHandler(create JobCreator, sync RoutingSyncer, jobs JobsReader, routings JobRoutingsReader) *JobsHandler {
	return &JobsHandler{
		create:   create,
		sync:     sync,
		jobs:     jobs,
		routings: routings,
	}
}

// The request body keeps the snake_case field names of the original
// dispatch API; responses use the domain encoding.

type createJobAddress struct {
	Street  string `json:"street" binding:"required"`
	City    string `json:"city" binding:"required"`
	State   string `json:"state" binding:"required,len=2"`
	ZipCode string `json:"zip_code" binding:"required,min=5,max=10"`
}

type createJobHomeowner struct {
	Name  string  `json:"name" binding:"required"`
	Phone *string `json:"phone"`
	Email *string `json:"email" binding:"omitempty,email"`
}

type createJobRequest struct {
	Summary               string             `json:"summary" binding:"required,min=3,max=500"`
	Address               createJobAddress   `json:"address" binding:"required"`
	Homeowner             createJobHomeowner `json:"homeowner" binding:"required"`
	CreatedByCompanyID    string             `json:"created_by_company_id" binding:"required"`
	CreatedByTechnicianID string             `json:"created_by_technician_id" binding:"required"`
	RequiredSkills        []string           `json:"required_skills"`
	SkillLevels           map[string]string  `json:"skill_levels"`
	Category              *string            `json:"category"`
}

// POST /jobs

func (h *JobsHandler) Create(ctx *gin.Context) {
	var req createJobRequest
	if !BindJSON(ctx, &req) {
		return
	}

	res, err := h.create.Execute(ctx.Request.Context(), usecase.CreateJobInput{
		Summary: req.Summary,
		Address: job.Address{
			Street:  req.Address.Street,
			City:    req.Address.City,
			State:   req.Address.State,
			ZipCode: req.Address.ZipCode,
		},
		Homeowner: job.Homeowner{
			Name:  req.Homeowner.Name,
			Phone: req.Homeowner.Phone,
			Email: req.Homeowner.Email,
		},
		CreatedByCompanyID:    req.CreatedByCompanyID,
		CreatedByTechnicianID: req.CreatedByTechnicianID,
		RequiredSkills:        req.RequiredSkills,
		SkillLevels:           req.SkillLevels,
		Category:              req.Category,
	})
	if err != nil {
		if usecase.IsValidation(err) {
			RespondBadRequest(ctx, err.Error(), nil)
			return
		}
		slog.Default().ErrorContext(ctx.Request.Context(), "jobs.create_failed",
			"request_id", requestID(ctx),
			"error", err,
		)
		RespondInternal(ctx, "Could not create job")
		return
	}

	ctx.Set(middlewares.CtxJobID, res.Job.ID)
	ctx.JSON(http.StatusCreated, res)
}

// GET /jobs/:id

func (h *JobsHandler) Get(ctx *gin.Context) {
	id := ctx.Param("id")
	ctx.Set(middlewares.CtxJobID, id)

	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "job id must be a UUID", nil)
		return
	}

	j, err := h.jobs.GetByID(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}
		RespondInternal(ctx, "Could not fetch job")
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, j)
}

// GET /jobs?status=&limit=&cursor=

func (h *JobsHandler) List(ctx *gin.Context) {
	limit := parseIntDefault(ctx.Query("limit"), 20)
	if limit < 1 || limit > 100 {
		RespondBadRequest(ctx, "limit must be between 1 and 100", nil)
		return
	}

	status := ctx.Query("status")
	if status != "" && !job.Status(status).IsValid() {
		RespondBadRequest(ctx, "status must be pending or completed", nil)
		return
	}

	cursor := ctx.Query("cursor")
	if cursor != "" {
		if _, err := utils.DecodeJobCursor(cursor); err != nil {
			RespondBadRequest(ctx, "cursor is invalid", nil)
			return
		}
	}

	items, next, err := h.jobs.ListCursor(ctx.Request.Context(), status, limit, cursor)
	if err != nil {
		RespondInternal(ctx, "Could not list jobs")
		return
	}

	resp := gin.H{
		"items":   items,
		"count":   len(items),
		"limit":   limit,
		"hasMore": next != "",
	}
	if next != "" {
		resp["nextCursor"] = next
	}

	RespondJSONWithETag(ctx, http.StatusOK, resp)
}

// GET /jobs/:id/routings

func (h *JobsHandler) Routings(ctx *gin.Context) {
	id := ctx.Param("id")
	ctx.Set(middlewares.CtxJobID, id)

	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "job id must be a UUID", nil)
		return
	}

	if _, err := h.jobs.GetByID(ctx.Request.Context(), id); err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}
		RespondInternal(ctx, "Could not fetch job")
		return
	}

	items, err := h.routings.ListByJob(ctx.Request.Context(), id)
	if err != nil {
		RespondInternal(ctx, "Could not list routings")
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, gin.H{
		"jobId": id,
		"items": items,
		"count": len(items),
	})
}

// POST /jobs/:id/sync?company_id=
//
// Runs one sync attempt inline instead of waiting for the outbox
// redelivery. company_id picks the routing; it may be omitted when the
// job has exactly one.

func (h *JobsHandler) Resync(ctx *gin.Context) {
	jobID := ctx.Param("id")
	ctx.Set(middlewares.CtxJobID, jobID)

	if !utils.IsUUID(jobID) {
		RespondBadRequest(ctx, "job id must be a UUID", nil)
		return
	}

	rt, ok := h.resolveRouting(ctx, jobID)
	if !ok {
		return
	}

	synced, err := h.sync.Execute(ctx.Request.Context(), rt.ID)
	if err != nil {
		h.respondSyncError(ctx, rt.ID, err)
		return
	}
	if !synced {
		RespondConflict(ctx, "sync_in_progress", "Another worker holds this routing")
		return
	}

	refreshed, err := h.routings.GetByJobAndCompany(ctx.Request.Context(), jobID, rt.CompanyIDReceived)
	if err != nil {
		refreshed = rt
	}

	ctx.JSON(http.StatusOK, gin.H{
		"jobId":   jobID,
		"routing": refreshed,
	})
}

func (h *JobsHandler) resolveRouting(ctx *gin.Context, jobID string) (routing.JobRouting, bool) {
	reqCtx := ctx.Request.Context()

	if companyID := ctx.Query("company_id"); companyID != "" {
		rt, err := h.routings.GetByJobAndCompany(reqCtx, jobID, companyID)
		if err != nil {
			if errors.Is(err, routing.ErrRoutingNotFound) {
				RespondNotFound(ctx, "Routing not found")
				return routing.JobRouting{}, false
			}
			RespondInternal(ctx, "Could not fetch routing")
			return routing.JobRouting{}, false
		}
		return rt, true
	}

	items, err := h.routings.ListByJob(reqCtx, jobID)
	if err != nil {
		RespondInternal(ctx, "Could not fetch routing")
		return routing.JobRouting{}, false
	}

	switch len(items) {
	case 0:
		RespondNotFound(ctx, "Routing not found")
		return routing.JobRouting{}, false
	case 1:
		return items[0], true
	default:
		RespondBadRequest(ctx, "company_id is required when a job has multiple routings", nil)
		return routing.JobRouting{}, false
	}
}

func (h *JobsHandler) respondSyncError(ctx *gin.Context, routingID string, err error) {
	switch {
	case errors.Is(err, usecase.ErrSyncNotAllowed):
		RespondConflict(ctx, "sync_not_allowed", "Routing is not in a syncable state")
	case errors.Is(err, usecase.ErrSyncRateLimited):
		RespondError(ctx, http.StatusTooManyRequests, "rate_limited", "Company sync rate limit reached, try again shortly", nil)
	case errors.Is(err, retry.ErrCircuitOpen):
		RespondError(ctx, http.StatusServiceUnavailable, "circuit_open", "Provider circuit is open, try again later", nil)
	case provider.IsNotConfigured(err):
		RespondError(ctx, http.StatusBadGateway, "provider_not_configured", "Receiving company's provider is not configured", nil)
	default:
		var pe *provider.Error
		if errors.As(err, &pe) {
			RespondError(ctx, http.StatusBadGateway, "provider_error", pe.Error(), nil)
			return
		}

		slog.Default().ErrorContext(ctx.Request.Context(), "jobs.resync_failed",
			"request_id", requestID(ctx),
			"routing_id", routingID,
			"error", err,
		)
		RespondInternal(ctx, "Could not sync routing")
	}
}

func parseIntDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
