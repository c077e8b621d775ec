package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
)

// AuthHandler issues development tokens and reports the caller's identity.
type AuthHandler struct {
	authService *service.AuthService
	expiry      time.Duration
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authService *service.AuthService, expiry time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		expiry:      expiry,
	}
}

// IssueStudentToken godoc
// POST /api/auth/student/token
// Signs a student token for the given ID. When a token password is
// configured the request must carry it.
func (h *AuthHandler) IssueStudentToken(c *gin.Context) {
	var req model.StudentTokenRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.authService.CheckTokenPassword(req.Password); err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
		return
	}

	token, err := h.authService.GenerateStudentToken(req.StudentID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, model.StudentTokenResponse{
		Token:     token,
		StudentID: req.StudentID,
		ExpiresAt: model.NewTimestamp(time.Now().Add(h.expiry).UTC()),
	})
}

// GetStudentProfile godoc
// GET /api/auth/student/me
// Returns the identity carried by the caller's token.
func (h *AuthHandler) GetStudentProfile(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"student": gin.H{
			"id":         claims.StudentID(),
			"token_id":   claims.ID,
			"expires_at": claims.ExpiresAt,
		},
	})
}
