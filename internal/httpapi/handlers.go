package httpapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/yourorg/eylo/internal/intake"
)

type SubmitImportPayload struct {
	URL         string `json:"url" validate:"required,url,max=2048"`
	NotifyToken string `json:"notify_token" validate:"omitempty,max=4096"`
}

type importResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// SubmitImport queues a recipe import.
// POST /api/v1/imports
func (h *Handler) SubmitImport(c *fiber.Ctx) error {
	var payload SubmitImportPayload
	if err := c.BodyParser(&payload); err != nil {
		return RespondWithError(c, fiber.StatusBadRequest, fmt.Sprintf("Cannot parse JSON: %v", err))
	}
	payload.URL = strings.TrimSpace(payload.URL)
	if err := h.validate.Struct(payload); err != nil {
		return RespondWithError(c, fiber.StatusBadRequest, strings.Join(FormatValidationErrors(err), ", "))
	}

	job, err := h.Service.Submit(c.UserContext(), intake.SubmitRequest{
		UserID:      userID(c),
		URL:         payload.URL,
		NotifyToken: payload.NotifyToken,
	})
	switch {
	case errors.Is(err, intake.ErrUnsupportedURL):
		return RespondWithError(c, fiber.StatusBadRequest, "Unsupported URL: only Instagram, TikTok and YouTube links can be imported")
	case errors.Is(err, intake.ErrQueueUnavailable) && job != nil:
		return h.queueUnavailable(c, job.ID, err)
	case err != nil:
		h.Logger.Error("submit import failed", "err", err)
		return RespondWithError(c, fiber.StatusInternalServerError, "Could not create import job")
	}
	return RespondWithJSON(c, fiber.StatusAccepted, importResponse{JobID: job.ID, Status: string(job.Status)})
}

// ResubmitImport re-queues a failed job.
// POST /api/v1/imports/:id/resubmit
func (h *Handler) ResubmitImport(c *fiber.Ctx) error {
	job, err := h.Service.Resubmit(c.UserContext(), c.Params("id"))
	switch {
	case errors.Is(err, intake.ErrNotResubmittable):
		return RespondWithError(c, fiber.StatusConflict, "Only failed jobs can be resubmitted")
	case errors.Is(err, intake.ErrQueueUnavailable) && job != nil:
		return h.queueUnavailable(c, job.ID, err)
	case err != nil:
		h.Logger.Error("resubmit import failed", "job_id", c.Params("id"), "err", err)
		return RespondWithError(c, fiber.StatusInternalServerError, "Could not resubmit job")
	}
	return RespondWithJSON(c, fiber.StatusAccepted, importResponse{JobID: job.ID, Status: string(job.Status)})
}

// queueUnavailable answers 503 for a job that was saved but never delivered.
// The job is left failed so the client can resubmit it.
func (h *Handler) queueUnavailable(c *fiber.Ctx, jobID string, err error) error {
	h.Logger.Warn("import not delivered to queue", "job_id", jobID, "err", err)
	c.Set("Retry-After", "30")
	return RespondWithError(c, fiber.StatusServiceUnavailable,
		fmt.Sprintf("Import queue unavailable; resubmit job %s later", jobID))
}

// GetJob returns one of the caller's jobs.
// GET /api/v1/jobs/:id
func (h *Handler) GetJob(c *fiber.Ctx) error {
	job, err := h.Service.Job(c.UserContext(), c.Params("id"))
	if errors.Is(err, intake.ErrNotFound) || (err == nil && job.UserID != userID(c)) {
		return RespondWithError(c, fiber.StatusNotFound, "Job not found")
	}
	if err != nil {
		h.Logger.Error("get job failed", "job_id", c.Params("id"), "err", err)
		return RespondWithError(c, fiber.StatusInternalServerError, "Could not retrieve job")
	}
	return RespondWithJSON(c, fiber.StatusOK, job)
}

// ListJobs lists the caller's most recent jobs.
// GET /api/v1/jobs?limit=
func (h *Handler) ListJobs(c *fiber.Ctx) error {
	jobs, err := h.Service.Jobs(c.UserContext(), userID(c), c.QueryInt("limit", 20))
	if err != nil {
		h.Logger.Error("list jobs failed", "err", err)
		return RespondWithError(c, fiber.StatusInternalServerError, "Could not list jobs")
	}
	return RespondWithJSON(c, fiber.StatusOK, jobs)
}

// GetRecipe returns one of the caller's recipes.
// GET /api/v1/recipes/:id
func (h *Handler) GetRecipe(c *fiber.Ctx) error {
	recipe, err := h.Service.Recipe(c.UserContext(), c.Params("id"))
	if errors.Is(err, intake.ErrNotFound) || (err == nil && recipe.UserID != userID(c)) {
		return RespondWithError(c, fiber.StatusNotFound, "Recipe not found")
	}
	if err != nil {
		h.Logger.Error("get recipe failed", "recipe_id", c.Params("id"), "err", err)
		return RespondWithError(c, fiber.StatusInternalServerError, "Could not retrieve recipe")
	}
	return RespondWithJSON(c, fiber.StatusOK, recipe)
}

// ListRecipes pages through the caller's recipes, newest first.
// GET /api/v1/recipes?limit=&offset=
func (h *Handler) ListRecipes(c *fiber.Ctx) error {
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		return RespondWithError(c, fiber.StatusBadRequest, "offset must not be negative")
	}
	recipes, err := h.Service.Recipes(c.UserContext(), userID(c), c.QueryInt("limit", 20), offset)
	if err != nil {
		h.Logger.Error("list recipes failed", "err", err)
		return RespondWithError(c, fiber.StatusInternalServerError, "Could not list recipes")
	}
	return RespondWithJSON(c, fiber.StatusOK, recipes)
}

// Health reports whether the queue is reachable.
// GET /health
func (h *Handler) Health(c *fiber.Ctx) error {
	depth, err := h.Service.Queue.Depth(c.UserContext())
	if err != nil {
		return RespondWithError(c, fiber.StatusServiceUnavailable, "queue unavailable")
	}
	return RespondWithJSON(c, fiber.StatusOK, fiber.Map{"queue_depth": depth})
}
