package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ID is an opaque identifier. The backend emits either JSON numbers or
// strings; both decode into the same textual form.
type ID string

// String returns the textual form of the ID.
func (id ID) String() string { return string(id) }

// UnmarshalJSON accepts a JSON string, number or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// timestampLayouts lists accepted timestamp forms. Layouts without a zone are
// interpreted as UTC; fractional seconds are accepted after the seconds field.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// Timestamp is an ISO-8601 instant.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp { return Timestamp{Time: t} }

// ParseTimestamp parses any of the accepted ISO-8601 forms.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// UnmarshalJSON decodes a JSON string timestamp; null leaves the zero value.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON encodes the instant as RFC 3339 in UTC, or null when zero.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// QuestionType is the wire discriminator of a question.
type QuestionType string

const (
	QuestionTypeMCQ   QuestionType = "mcq"
	QuestionTypeEssay QuestionType = "essay"
	QuestionTypeFile  QuestionType = "file"
)

// Default file-upload constraints used when the backend omits them.
var (
	DefaultAllowedFileTypes = []string{"pdf", "docx", "jpg", "jpeg", "png"}
	DefaultMaxFileSizeBytes = int64(10 * 1024 * 1024)
)

// Assessment is a fetched, immutable exam paper.
type Assessment struct {
	ID               ID         `json:"id" binding:"required"`
	Title            string     `json:"title" binding:"required,max=255"`
	CourseCode       string     `json:"courseCode"`
	CourseTitle      string     `json:"courseTitle"`
	Description      string     `json:"description"`
	StartDate        Timestamp  `json:"startDate"`
	EndDate          Timestamp  `json:"endDate"`
	ShuffleQuestions bool       `json:"shuffleQuestions"`
	ShuffleOptions   bool       `json:"shuffleOptions"`
	Questions        []Question `json:"questions" binding:"min=1"`
}

// QuestionCount returns the number of questions.
func (a *Assessment) QuestionCount() int { return len(a.Questions) }

// Question finds a question by ID.
func (a *Assessment) Question(id ID) (Question, bool) {
	for _, q := range a.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// Option is one choice of a multiple-choice question.
type Option struct {
	ID   ID     `json:"id" binding:"required"`
	Text string `json:"text"`
}

// QuestionKind is the closed set of type-specific question bodies. Only MCQ,
// Essay and FileUpload implement it; a type switch over a QuestionKind must
// handle all three.
type QuestionKind interface {
	Type() QuestionType
	sealedKind()
}

// MCQ is a single-answer multiple-choice body.
type MCQ struct {
	Options []Option `binding:"min=1,dive"`
}

// Essay is a rich-text answer body.
type Essay struct {
	WordLimit int `binding:"gte=0"`
}

// FileUpload is a file-submission body.
type FileUpload struct {
	AllowedFileTypes []string `binding:"min=1"`
	MaxFileSizeBytes int64    `binding:"gt=0"`
}

func (MCQ) Type() QuestionType        { return QuestionTypeMCQ }
func (Essay) Type() QuestionType      { return QuestionTypeEssay }
func (FileUpload) Type() QuestionType { return QuestionTypeFile }

func (MCQ) sealedKind()        {}
func (Essay) sealedKind()      {}
func (FileUpload) sealedKind() {}

// Question is one item of an assessment.
type Question struct {
	ID      ID      `binding:"required"`
	Text    string  `binding:"required"`
	MaxMark float64 `binding:"gte=0"`
	Kind    QuestionKind
}

// Type returns the question's discriminator.
func (q Question) Type() QuestionType {
	if q.Kind == nil {
		return ""
	}
	return q.Kind.Type()
}

// questionJSON is the flat wire form. fileTypes and maxFileSize (MB) are the
// legacy names still emitted by the existing backend.
type questionJSON struct {
	ID               ID           `json:"id"`
	Type             QuestionType `json:"type"`
	Text             string       `json:"text"`
	MaxMark          float64      `json:"maxMark"`
	Options          []Option     `json:"options,omitempty"`
	WordLimit        int          `json:"wordLimit,omitempty"`
	AllowedFileTypes []string     `json:"allowedFileTypes,omitempty"`
	FileTypes        []string     `json:"fileTypes,omitempty"`
	MaxFileSizeBytes int64        `json:"maxFileSizeBytes,omitempty"`
	MaxFileSize      float64      `json:"maxFileSize,omitempty"`
}

// UnmarshalJSON builds the typed Kind from the type discriminator.
func (q *Question) UnmarshalJSON(b []byte) error {
	var raw questionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	q.ID = raw.ID
	q.Text = raw.Text
	q.MaxMark = raw.MaxMark

	switch raw.Type {
	case QuestionTypeMCQ:
		q.Kind = MCQ{Options: raw.Options}
	case QuestionTypeEssay:
		q.Kind = Essay{WordLimit: raw.WordLimit}
	case QuestionTypeFile:
		kind := FileUpload{
			AllowedFileTypes: raw.AllowedFileTypes,
			MaxFileSizeBytes: raw.MaxFileSizeBytes,
		}
		if len(kind.AllowedFileTypes) == 0 {
			kind.AllowedFileTypes = raw.FileTypes
		}
		if len(kind.AllowedFileTypes) == 0 {
			kind.AllowedFileTypes = append([]string(nil), DefaultAllowedFileTypes...)
		}
		if kind.MaxFileSizeBytes == 0 && raw.MaxFileSize > 0 {
			kind.MaxFileSizeBytes = int64(raw.MaxFileSize * 1024 * 1024)
		}
		if kind.MaxFileSizeBytes == 0 {
			kind.MaxFileSizeBytes = DefaultMaxFileSizeBytes
		}
		q.Kind = kind
	default:
		return fmt.Errorf("question %s: unknown type %q", raw.ID, raw.Type)
	}
	return nil
}

// MarshalJSON writes the flat wire form.
func (q Question) MarshalJSON() ([]byte, error) {
	raw := questionJSON{
		ID:      q.ID,
		Type:    q.Type(),
		Text:    q.Text,
		MaxMark: q.MaxMark,
	}
	switch k := q.Kind.(type) {
	case MCQ:
		raw.Options = k.Options
	case Essay:
		raw.WordLimit = k.WordLimit
	case FileUpload:
		raw.AllowedFileTypes = k.AllowedFileTypes
		raw.MaxFileSizeBytes = k.MaxFileSizeBytes
	default:
		return nil, fmt.Errorf("question %s: no kind", q.ID)
	}
	return json.Marshal(raw)
}
