package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
)

// AttemptHandler serves the assessment attempt endpoints.
type AttemptHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attemptService *service.AttemptService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// GetAssessment godoc
// GET /api/assessments/:id
// Returns the assessment with the student's saved progress, or the
// submitted marker once the student has submitted.
func (h *AttemptHandler) GetAssessment(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id, ok := assessmentID(c)
	if !ok {
		return
	}

	result, err := h.attemptService.Fetch(claims.StudentID(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// SaveProgress godoc
// POST /api/student/assessments/:id/attempt
// Stores a full progress snapshot. Older sequences are rejected.
func (h *AttemptHandler) SaveProgress(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id, ok := assessmentID(c)
	if !ok {
		return
	}

	var req model.Progress
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ack, err := h.attemptService.SaveProgress(claims.StudentID(), id, &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, ack)
}

// Submit godoc
// POST /api/student/assessments/:id/submit
// Records the final answers. A second submission is rejected with 409.
func (h *AttemptHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id, ok := assessmentID(c)
	if !ok {
		return
	}

	var req model.SubmitPayload
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.attemptService.Submit(claims.StudentID(), id, &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

func assessmentID(c *gin.Context) (model.ID, bool) {
	raw := strings.TrimSpace(c.Param("id"))
	if raw == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", false
	}
	return model.ID(raw), true
}

func (h *AttemptHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrAssessmentNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, model.ErrAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
	case errors.Is(err, repository.ErrStaleProgress):
		response.Fail(c, http.StatusConflict, response.ErrStaleProgress)
	case errors.Is(err, model.ErrFileTooLarge):
		response.FailWithFields(c, http.StatusBadRequest, response.ErrFileTooLarge, map[string]string{
			"detail": err.Error(),
		})
	case errors.Is(err, model.ErrUnsupportedFileType):
		response.FailWithFields(c, http.StatusBadRequest, response.ErrUnsupportedFile, map[string]string{
			"detail": err.Error(),
		})
	case errors.Is(err, service.ErrIndexOutOfRange), errors.Is(err, service.ErrQuestionMismatch):
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{
			"detail": err.Error(),
		})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Attempt request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
