package state

import (
	"html"
	"path/filepath"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/stemsi/exstem-session/internal/model"
)

// textPolicy drops every tag and keeps the text between them. Adjacent block
// elements are separated by a space so words do not run together.
var textPolicy = func() *bluemonday.Policy {
	p := bluemonday.StrictPolicy()
	p.AddSpaceWhenStrippingTag(true)
	return p
}()

// PlainText strips rich-text markup and surrounding whitespace.
func PlainText(markup string) string {
	if markup == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(markup)))
}

// WordCount counts whitespace-separated words of the plain text.
func WordCount(markup string) int {
	return len(strings.Fields(PlainText(markup)))
}

// CheckFile validates an upload against a file question's constraints.
func CheckFile(index int, kind model.FileUpload, meta model.FileMeta) error {
	if meta.FileSize > kind.MaxFileSizeBytes {
		return &model.FileConstraintError{
			QuestionIndex: index,
			FileName:      meta.FileName,
			Allowed:       kind.AllowedFileTypes,
			MaxBytes:      kind.MaxFileSizeBytes,
			Err:           model.ErrFileTooLarge,
		}
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(meta.FileName), "."))
	for _, allowed := range kind.AllowedFileTypes {
		if ext != "" && strings.EqualFold(strings.TrimPrefix(allowed, "."), ext) {
			return nil
		}
	}
	return &model.FileConstraintError{
		QuestionIndex: index,
		FileName:      meta.FileName,
		Allowed:       kind.AllowedFileTypes,
		MaxBytes:      kind.MaxFileSizeBytes,
		Err:           model.ErrUnsupportedFileType,
	}
}
