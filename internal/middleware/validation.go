package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "picopass/internal/errors"
)

// DefaultMaxBodySize bounds every JSON request body.
const DefaultMaxBodySize = 64 * 1024

// Validator decodes JSON request bodies and validates them against their
// struct tags.
type Validator struct {
	validate    *validator.Validate
	maxBodySize int64
}

// NewValidator creates a Validator that reports fields by their JSON names.
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	return &Validator{validate: v, maxBodySize: DefaultMaxBodySize}
}

// Decode reads r's JSON body into dst and validates it. An empty body is
// treated as an empty object so that optional-only payloads may be omitted.
func (v *Validator) Decode(w http.ResponseWriter, r *http.Request, dst interface{}) *apperrors.APIError {
	body := http.MaxBytesReader(w, r.Body, v.maxBodySize)
	if err := render.DecodeJSON(body, dst); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.NewWithDetails(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				"Request body exceeds maximum allowed size",
				map[string]interface{}{"max_size": v.maxBodySize})
		}
		return apperrors.InvalidRequestWithError(err)
	}
	return v.Struct(dst)
}

// Struct validates s and converts failures into a VALIDATION_FAILED error.
func (v *Validator) Struct(s interface{}) *apperrors.APIError {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.InvalidRequestWithError(err)
	}

	out := make([]apperrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, apperrors.ValidationError{
			Field:   fe.Field(),
			Message: formatValidationError(fe),
		})
	}
	return apperrors.NewValidationErrors(out)
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required", "notblank":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, param)
	case "printascii":
		return fmt.Sprintf("%s must contain printable ASCII only", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}
