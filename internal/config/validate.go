package config

import (
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// OpenCV only accepts odd Gaussian kernel sizes.
	if err := v.RegisterValidation("odd", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%2 == 1
	}); err != nil {
		panic(err)
	}
	return v
}
