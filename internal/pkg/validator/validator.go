package validator

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterValidation("backoff", func(fl validator.FieldLevel) bool {
			v := fl.Field().String()
			return v == "exponential" || v == "linear"
		})
		validate.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
			v := fl.Field().String()
			return v != "" && !strings.ContainsAny(v, " \t\r\n")
		})
	})
	return validate
}

// Struct validates s against its `validate` tags.
func Struct(s interface{}) error {
	return instance().Struct(s)
}

// Details flattens validation errors into field -> reason, keyed by the
// lowercased struct field name. Other errors map to "_".
func Details(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["_"] = err.Error()
		return out
	}
	for _, fe := range verrs {
		reason := fe.Tag()
		if fe.Param() != "" {
			reason = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		}
		out[strings.ToLower(fe.Field())] = reason
	}
	return out
}
