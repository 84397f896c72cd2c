package core

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"aitextspeak/internal/types"
)

// Validator wraps go-playground/validator for request body validation.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator using struct tag validation.
func NewValidator() *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ValidateStruct validates a decoded request body against its `validate`
// tags. On failure it returns a *types.AppError carrying the first failed
// field so the client knows what to fix.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"request validation failed",
			err,
			map[string]any{
				"field": first.Field(),
				"rule":  first.Tag(),
			},
		)
	}

	return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request validation failed", err)
}
