// Package validation wraps go-playground/validator with the rules fern registers.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = newValidator()

// customerIDPattern accepts ten digits, optionally grouped 3-3-4 with dashes
var customerIDPattern = regexp.MustCompile(`^\d{3}-?\d{3}-?\d{4}$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("customer_id", func(fl validator.FieldLevel) bool {
		return customerIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks struct tags on value
func Validate[T any](value T) (T, error) {
	if err := validate.Struct(value); err != nil {
		return value, ValidationErrorToString(value, err)
	}
	return value, nil
}

// ValidateValue checks a single value against tag
func ValidateValue(value any, tag string) error {
	if err := validate.Var(value, tag); err != nil {
		return ValidationErrorToString(value, err)
	}
	return nil
}

// ValidateMap checks every key of data with a rule against that rule. Keys are reported in sorted order.
func ValidateMap(data map[string]any, rules map[string]string) error {
	keys := make([]string, 0, len(rules))
	for key := range rules {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var msgs []string
	for _, key := range keys {
		rule := rules[key]
		if rule == "" {
			continue
		}
		if err := validate.Var(data[key], rule); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", key, ruleName(fe)))
				}
				continue
			}
			return err
		}
	}
	if len(msgs) > 0 {
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

func ruleName(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// ValidationErrorToString flattens validator errors into one readable message
func ValidationErrorToString(input any, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msg := ""
	for _, fe := range verrs {
		msg += fmt.Sprintf("\n • Failed %T validation for field '%s': rule '%s' expected '%s', got '%v'.", input, fe.StructField(), fe.Tag(), fe.Param(), fe.Value())
	}
	return errors.New(msg)
}

// BindRequest binds the request into req and validates it. Failures are 400s.
func BindRequest[T any](c echo.Context) (*T, error) {
	var req T
	if err := c.Bind(&req); err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid request body: %v", err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, ValidationErrorToString(req, err).Error())
	}
	return &req, nil
}
