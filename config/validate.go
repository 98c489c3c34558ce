package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"murmur/apperr"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			for _, tag := range []string{"mapstructure", "json"} {
				name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
				if name != "" && name != "-" {
					return name
				}
			}
			return fld.Name
		})
	})
	return validate
}

// Validate checks s against its validate struct tags. Failures come back as
// an INVALID_CONFIG error naming the offending fields.
func Validate(s any) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.CodeInvalidConfig, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, describe(fe))
	}
	return apperr.Newf(apperr.CodeInvalidConfig, "Invalid setting: %s", strings.Join(fields, "; ")).
		WithDetail("fields", fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "url":
		return fe.Field() + " must be a URL"
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
