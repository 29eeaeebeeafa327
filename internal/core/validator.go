package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"planforge/internal/types"
)

// Validator wraps go-playground/validator with the domain tags.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers the purchasable_plan tag.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("purchasable_plan", func(fl validator.FieldLevel) bool {
		return types.PlanName(fl.Field().String()).Purchasable()
	})
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct checks s against its validate tags and returns the first
// failure as an AppError naming the field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fe := verrs[0]
	details := map[string]any{"field": fe.Field(), "rule": fe.Tag()}
	if fe.Tag() == "purchasable_plan" {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			fe.Field()+" is not a purchasable plan", nil, details)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
		fe.Field()+" failed "+fe.Tag()+" validation", nil, details)
}
