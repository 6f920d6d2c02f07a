package handlers

import (
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// RegisterValidators installs the "provider" binding tag, which accepts only
// registered provider names.
func RegisterValidators(known func(string) bool) error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	return v.RegisterValidation("provider", func(fl validator.FieldLevel) bool {
		return known(fl.Field().String())
	})
}
