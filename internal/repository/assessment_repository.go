package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/validator"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 16 << 20

// APIError is a non-2xx backend reply.
type APIError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d %s: %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, msg)
}

func (e *APIError) Unwrap() error { return e.Err }

// AssessmentRepository talks to the assessment backend over HTTP.
type AssessmentRepository struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

// NewAssessmentRepository creates a new AssessmentRepository. token may be
// empty; when set it is sent as a bearer token.
func NewAssessmentRepository(baseURL, token string, timeout time.Duration, log zerolog.Logger) *AssessmentRepository {
	return &AssessmentRepository{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "assessment_repository").Logger(),
	}
}

// WithHTTPClient replaces the underlying client (tests).
func (r *AssessmentRepository) WithHTTPClient(c *http.Client) *AssessmentRepository {
	r.client = c
	return r
}

// Fetch loads an assessment. A reply flagged isSubmitted carries no usable
// assessment; callers check IsSubmitted first.
func (r *AssessmentRepository) Fetch(ctx context.Context, id model.ID) (*model.FetchResult, error) {
	var result model.FetchResult
	if err := r.do(ctx, http.MethodGet, "/assessments/"+url.PathEscape(id.String()), nil, &result); err != nil {
		return nil, err
	}
	if result.IsSubmitted {
		return &result, nil
	}
	if result.Assessment == nil {
		return nil, errors.New("response carries no assessment")
	}
	if err := validator.ValidateAssessment(result.Assessment); err != nil {
		return nil, err
	}
	return &result, nil
}

// SaveProgress posts a full progress snapshot.
func (r *AssessmentRepository) SaveProgress(ctx context.Context, id model.ID, p *model.Progress) (*model.SaveAck, error) {
	var ack model.SaveAck
	if err := r.do(ctx, http.MethodPost, "/student/assessments/"+url.PathEscape(id.String())+"/attempt", p, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Submit posts the final answers.
func (r *AssessmentRepository) Submit(ctx context.Context, id model.ID, payload *model.SubmitPayload) (*model.SubmitResult, error) {
	var result model.SubmitResult
	if err := r.do(ctx, http.MethodPost, "/student/assessments/"+url.PathEscape(id.String())+"/submit", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *AssessmentRepository) do(ctx context.Context, method, path string, body, dst interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	reqID := response.NewRequestID()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set(response.HeaderRequestID, reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var src io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		src = brotli.NewReader(resp.Body)
	}
	raw, err := io.ReadAll(io.LimitReader(src, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	r.log.Debug().
		Str("method", method).
		Str("path", path).
		Str("request_id", reqID).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(unwrapData(raw), dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// unwrapData returns the "data" member of an enveloped reply, or the body
// itself when it is not enveloped.
func unwrapData(raw []byte) []byte {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		if d := bytes.TrimSpace(env.Data); len(d) > 0 && !bytes.Equal(d, []byte("null")) {
			return d
		}
	}
	return raw
}

// decodeError accepts {"error": "msg", "code": "X"} and the enveloped
// {"error": {"code": "X", "message": "msg"}} form.
func decodeError(status int, raw []byte) error {
	apiErr := &APIError{Status: status}

	var body struct {
		Error   json.RawMessage `json:"error"`
		Code    string          `json:"code"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		e := bytes.TrimSpace(body.Error)
		switch {
		case len(e) > 0 && e[0] == '"':
			_ = json.Unmarshal(e, &apiErr.Message)
		case len(e) > 0 && e[0] == '{':
			var nested response.ErrorBody
			if json.Unmarshal(e, &nested) == nil {
				if apiErr.Code == "" {
					apiErr.Code = string(nested.Code)
				}
				if nested.Message != "" {
					apiErr.Message = nested.Message
				}
			}
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}

	if isAlreadySubmitted(status, apiErr) {
		apiErr.Err = model.ErrAlreadySubmitted
	}
	return apiErr
}

func isAlreadySubmitted(status int, e *APIError) bool {
	if status != http.StatusConflict && status != http.StatusForbidden {
		return false
	}
	return e.Code == string(response.ErrAlreadySubmitted) ||
		strings.Contains(strings.ToLower(e.Message), "already submitted")
}
