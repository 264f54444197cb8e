package httpx

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldErrors carries per-field validation messages.
type FieldErrors map[string]string

func (f FieldErrors) Error() string {
	parts := make([]string, 0, len(f))
	for field, msg := range f {
		parts = append(parts, field+" "+msg)
	}
	return strings.Join(parts, ", ")
}

// Is matches ErrValidation.
func (f FieldErrors) Is(target error) bool {
	return target == ErrValidation
}

// ProblemExtra exposes the field messages.
func (f FieldErrors) ProblemExtra() map[string]any {
	return map[string]any{"fields": map[string]string(f)}
}

// NewValidator returns a validator that reports fields by their JSON name.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate runs struct validation and converts failures into FieldErrors.
func Validate(v *validator.Validate, dto any) error {
	err := v.Struct(dto)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fields := make(FieldErrors, len(verrs))
	for _, fieldErr := range verrs {
		fields[fieldErr.Field()] = describe(fieldErr)
	}
	return fields
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt", "gte", "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "is invalid"
	}
}
