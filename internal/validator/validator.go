package validator

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/stemsi/exstem-session/internal/model"
)

var (
	// trans is the singleton English translator for validation errors.
	trans ut.Translator

	// standalone validates documents that never pass through Gin binding,
	// such as an assessment fetched by the client. It reads the same
	// `binding` tags Gin does.
	standalone     *govalidator.Validate
	standaloneOnce sync.Once
)

func init() {
	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator("en")
}

func configure(v *govalidator.Validate) {
	// Use JSON tag name for field names in error messages.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	en_translations.RegisterDefaultTranslations(v, trans)
}

// Setup registers the validator with English translations on Gin's binding engine.
// Call once during application startup.
func Setup() {
	if v, ok := binding.Validator.Engine().(*govalidator.Validate); ok {
		configure(v)
	}
}

func validate() *govalidator.Validate {
	standaloneOnce.Do(func() {
		standalone = govalidator.New(govalidator.WithRequiredStructEnabled())
		standalone.SetTagName("binding")
		configure(standalone)
	})
	return standalone
}

// TranslateErrors takes a binding/validation error and returns a map of
// field name → human-readable error message. If the error is not a
// validation error, it returns a single-key map with "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			fields[fe.Field()] = fe.Translate(trans)
		}
		return fields
	}

	// Not a validation error (e.g., JSON syntax error).
	fields["detail"] = err.Error()
	return fields
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst interface{}) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}

// ValidateAssessment checks a fetched assessment, every question and every
// question body. Field errors are prefixed with the question position.
func ValidateAssessment(a *model.Assessment) error {
	if a == nil {
		return errors.New("assessment is empty")
	}

	v := validate()
	fields := make(map[string]string)

	if err := v.Struct(a); err != nil {
		collect(fields, "", err)
	}

	seen := make(map[model.ID]bool, len(a.Questions))
	for i, q := range a.Questions {
		prefix := fmt.Sprintf("questions[%d].", i)
		if err := v.Struct(q); err != nil {
			collect(fields, prefix, err)
		}
		if q.Kind == nil {
			fields[prefix+"type"] = "type is a required field"
			continue
		}
		if err := v.Struct(q.Kind); err != nil {
			collect(fields, prefix, err)
		}
		if q.ID != "" && seen[q.ID] {
			fields[prefix+"id"] = fmt.Sprintf("duplicate question id %s", q.ID)
		}
		seen[q.ID] = true
	}

	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, k+": "+fields[k])
	}
	return fmt.Errorf("invalid assessment: %s", strings.Join(msgs, "; "))
}

func collect(fields map[string]string, prefix string, err error) {
	for k, msg := range TranslateErrors(err) {
		fields[prefix+k] = msg
	}
}
