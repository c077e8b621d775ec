package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// FileMeta describes an uploaded file. The bytes travel out of band.
type FileMeta struct {
	FileName   string    `json:"fileName" binding:"required"`
	FileSize   int64     `json:"fileSize" binding:"gte=0"`
	FileType   string    `json:"fileType"`
	UploadTime Timestamp `json:"uploadTime"`
}

// Answer is the closed set of per-question answers. IsAnswered is derived on
// every update and is never set independently.
type Answer interface {
	Type() QuestionType
	Answered() bool
	sealedAnswer()
}

// MCQAnswer holds the selected option in displayed order.
type MCQAnswer struct {
	SelectedOptionIndex *int
	SelectedOptionID    ID
	IsAnswered          bool
}

// EssayAnswer holds rich-text markup.
type EssayAnswer struct {
	Content    string
	IsAnswered bool
}

// FileAnswer holds the uploaded file's metadata.
type FileAnswer struct {
	File       *FileMeta
	IsAnswered bool
}

func (MCQAnswer) Type() QuestionType   { return QuestionTypeMCQ }
func (EssayAnswer) Type() QuestionType { return QuestionTypeEssay }
func (FileAnswer) Type() QuestionType  { return QuestionTypeFile }

func (a MCQAnswer) Answered() bool   { return a.IsAnswered }
func (a EssayAnswer) Answered() bool { return a.IsAnswered }
func (a FileAnswer) Answered() bool  { return a.IsAnswered }

func (MCQAnswer) sealedAnswer()   {}
func (EssayAnswer) sealedAnswer() {}
func (FileAnswer) sealedAnswer()  {}

// EmptyAnswer returns the unanswered default for a question kind.
func EmptyAnswer(kind QuestionKind) Answer {
	switch kind.(type) {
	case MCQ:
		return MCQAnswer{}
	case Essay:
		return EssayAnswer{}
	case FileUpload:
		return FileAnswer{}
	default:
		panic(fmt.Sprintf("model: unknown question kind %T", kind))
	}
}

// CloneAnswer returns a copy that shares no pointers with a.
func CloneAnswer(a Answer) Answer {
	switch v := a.(type) {
	case MCQAnswer:
		if v.SelectedOptionIndex != nil {
			idx := *v.SelectedOptionIndex
			v.SelectedOptionIndex = &idx
		}
		return v
	case FileAnswer:
		if v.File != nil {
			meta := *v.File
			v.File = &meta
		}
		return v
	default:
		return a
	}
}

// WireAnswer is the serializable form of an answer as exchanged with the
// progress and submit endpoints.
type WireAnswer struct {
	QuestionID          ID
	Type                QuestionType
	SelectedOptionIndex *int
	SelectedOptionID    ID
	Content             string
	File                *FileMeta
	IsAnswered          bool
}

// EncodeAnswer flattens an answer for question q.
func EncodeAnswer(q Question, a Answer) WireAnswer {
	w := WireAnswer{QuestionID: q.ID, Type: a.Type(), IsAnswered: a.Answered()}
	switch v := a.(type) {
	case MCQAnswer:
		w.SelectedOptionIndex = v.SelectedOptionIndex
		w.SelectedOptionID = v.SelectedOptionID
	case EssayAnswer:
		w.Content = v.Content
	case FileAnswer:
		w.File = v.File
	}
	return w
}

type mcqWire struct {
	QuestionID          ID           `json:"questionId,omitempty"`
	Type                QuestionType `json:"type"`
	SelectedOptionIndex *int         `json:"selectedOptionIndex"`
	SelectedOptionID    ID           `json:"selectedOptionId,omitempty"`
	IsAnswered          bool         `json:"isAnswered"`
}

type essayWire struct {
	QuestionID ID           `json:"questionId,omitempty"`
	Type       QuestionType `json:"type"`
	Content    string       `json:"content"`
	IsAnswered bool         `json:"isAnswered"`
}

type fileWire struct {
	QuestionID ID           `json:"questionId,omitempty"`
	Type       QuestionType `json:"type"`
	File       *FileMeta    `json:"file"`
	IsAnswered bool         `json:"isAnswered"`
}

// MarshalJSON writes only the fields that belong to the answer's type.
func (w WireAnswer) MarshalJSON() ([]byte, error) {
	switch w.Type {
	case QuestionTypeMCQ:
		return json.Marshal(mcqWire{w.QuestionID, w.Type, w.SelectedOptionIndex, w.SelectedOptionID, w.IsAnswered})
	case QuestionTypeEssay:
		return json.Marshal(essayWire{w.QuestionID, w.Type, w.Content, w.IsAnswered})
	case QuestionTypeFile:
		return json.Marshal(fileWire{w.QuestionID, w.Type, w.File, w.IsAnswered})
	default:
		return nil, fmt.Errorf("answer for %s: unknown type %q", w.QuestionID, w.Type)
	}
}

// wireAnswerJSON accepts the current field names and the legacy flattened
// ones (selectedOption, fileName, ...).
type wireAnswerJSON struct {
	QuestionID          ID           `json:"questionId"`
	Type                QuestionType `json:"type"`
	SelectedOptionIndex *int         `json:"selectedOptionIndex"`
	SelectedOption      *int         `json:"selectedOption"`
	SelectedOptionID    ID           `json:"selectedOptionId"`
	Content             *string      `json:"content"`
	File                *FileMeta    `json:"file"`
	FileName            *string      `json:"fileName"`
	FileSize            int64        `json:"fileSize"`
	FileType            string       `json:"fileType"`
	UploadTime          Timestamp    `json:"uploadTime"`
	IsAnswered          bool         `json:"isAnswered"`
}

// UnmarshalJSON decodes either field naming.
func (w *WireAnswer) UnmarshalJSON(b []byte) error {
	var raw wireAnswerJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*w = WireAnswer{
		QuestionID:          raw.QuestionID,
		Type:                raw.Type,
		SelectedOptionIndex: raw.SelectedOptionIndex,
		SelectedOptionID:    raw.SelectedOptionID,
		File:                raw.File,
		IsAnswered:          raw.IsAnswered,
	}
	if w.SelectedOptionIndex == nil {
		w.SelectedOptionIndex = raw.SelectedOption
	}
	if raw.Content != nil {
		w.Content = *raw.Content
	}
	if w.File == nil && raw.FileName != nil && *raw.FileName != "" {
		w.File = &FileMeta{
			FileName:   *raw.FileName,
			FileSize:   raw.FileSize,
			FileType:   raw.FileType,
			UploadTime: raw.UploadTime,
		}
	}
	return nil
}

// AnswerSet maps question index to its serialized answer. It encodes as a
// JSON object keyed by the decimal index and also decodes the legacy array
// form where position is the index.
type AnswerSet map[int]WireAnswer

// Indices returns the keys in ascending order.
func (s AnswerSet) Indices() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// UnmarshalJSON accepts {"0": {...}} or [{...}].
func (s *AnswerSet) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	out := AnswerSet{}
	switch {
	case bytes.Equal(b, []byte("null")):
	case len(b) > 0 && b[0] == '[':
		var list []*WireAnswer
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		for i, w := range list {
			if w != nil {
				out[i] = *w
			}
		}
	default:
		var m map[string]WireAnswer
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		for k, w := range m {
			i, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("answers: non-numeric key %q", k)
			}
			out[i] = w
		}
	}
	*s = out
	return nil
}
