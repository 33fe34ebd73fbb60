package validation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
	apperrors "github.com/lorrc/labnotify/internal/core/errors"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// Validator validates request data
type Validator struct {
	errors *apperrors.ValidationErrors
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		errors: apperrors.NewValidationErrors(),
	}
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return v.errors.HasErrors()
}

// Errors returns the validation errors
func (v *Validator) Errors() *apperrors.ValidationErrors {
	return v.errors
}

// Required validates that a string is not empty
func (v *Validator) Required(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.errors.Add(field, "This field is required")
	}
	return v
}

// MaxLength validates maximum string length
func (v *Validator) MaxLength(field, value string, max int) *Validator {
	if len(value) > max {
		v.errors.Add(field, "Must be at most "+strconv.Itoa(max)+" characters")
	}
	return v
}

// PositiveID validates a numeric identifier
func (v *Validator) PositiveID(field string, value int64) *Validator {
	if value <= 0 {
		v.errors.Add(field, "Must be a positive integer")
	}
	return v
}

// UUID validates that the value parses as a non-nil UUID
func (v *Validator) UUID(field string, value uuid.UUID) *Validator {
	if value == uuid.Nil {
		v.errors.Add(field, "Must be a valid UUID")
	}
	return v
}

// OneOf validates value is one of the allowed values
func (v *Validator) OneOf(field, value string, allowed []string) *Validator {
	if value == "" {
		return v // Empty is handled by Required
	}

	for _, a := range allowed {
		if value == a {
			return v
		}
	}

	v.errors.Add(field, "Must be one of: "+strings.Join(allowed, ", "))
	return v
}

// Custom adds a custom validation
func (v *Validator) Custom(field string, valid bool, message string) *Validator {
	if !valid {
		v.errors.Add(field, message)
	}
	return v
}

// Result returns the collected errors, or nil when the input is valid.
func (v *Validator) Result() error {
	if v.HasErrors() {
		return v.errors
	}
	return nil
}

// DecodeJSON decodes a bounded JSON request body, rejecting unknown fields.
func DecodeJSON[T any](r *http.Request) (*T, error) {
	var req T

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apperrors.NewBadRequestError(err, "Request body is required")
		}
		return nil, apperrors.NewBadRequestError(err, "Invalid request body")
	}

	return &req, nil
}

// ParsePage extracts limit/offset query parameters into a normalized page.
func ParsePage(r *http.Request) domain.Page {
	page := domain.Page{
		Limit:  ParseIntQueryParam(r, "limit", domain.DefaultPageLimit),
		Offset: ParseIntQueryParam(r, "offset", 0),
	}
	return page.Normalize()
}

// ParseIntQueryParam safely parses a non-negative integer query parameter
func ParseIntQueryParam(r *http.Request, key string, defaultValue int) int {
	valueStr := r.URL.Query().Get(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil || value < 0 {
		return defaultValue
	}

	return value
}

// ParseInt64 parses a positive int64, returning 0 when absent or malformed.
func ParseInt64(value string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// ParseUUID parses a UUID, returning uuid.Nil when malformed.
func ParseUUID(value string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return id
}
