package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	playground "github.com/go-playground/validator/v10"
)

var ErrMissingField = errors.New("field is required")

var (
	structValidator *playground.Validate
	structOnce      sync.Once
)

// fieldRules maps the custom tags to the package checks and the error
// reported when they fail.
var fieldRules = map[string]struct {
	check func(string) error
	err   error
}{
	"account_number": {ValidateAccountNumber, ErrInvalidAccountNumber},
	"currency_code":  {ValidateCurrency, ErrInvalidCurrency},
	"customer_mode":  {ValidateMode, ErrInvalidMode},
	"account_status": {ValidateAccountStatus, ErrInvalidStatus},
}

func instance() *playground.Validate {
	structOnce.Do(func() {
		v := playground.New(playground.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return field.Name
			}
			return name
		})
		for tag, rule := range fieldRules {
			check := rule.check
			// Registration only fails for empty tags or nil funcs.
			_ = v.RegisterValidation(tag, func(fl playground.FieldLevel) bool {
				return check(fl.Field().String()) == nil
			})
		}
		structValidator = v
	})
	return structValidator
}

// Struct validates a request payload by its validate tags and reports the
// first failing field as "<json name>: <reason>".
func Struct(payload any) error {
	err := instance().Struct(payload)
	if err == nil {
		return nil
	}
	var fieldErrs playground.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	if rule, ok := fieldRules[fe.Tag()]; ok {
		return fmt.Errorf("%s: %w", fe.Field(), rule.err)
	}
	if fe.Tag() == "required" {
		return fmt.Errorf("%s: %w", fe.Field(), ErrMissingField)
	}
	return fmt.Errorf("%s: failed %s", fe.Field(), fe.Tag())
}
