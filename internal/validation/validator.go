package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/camwatch/camwatch-server/internal/media"
)

// Validator validates request structs using `validate` tags
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report json field names so errors match the request body.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	// deviceid accepts ids usable as a media directory name
	v.RegisterValidation("deviceid", func(fl validator.FieldLevel) bool {
		id := fl.Field().String()
		return id != "" && id != "." && id != ".." && media.SafeName(id) == id
	})

	return &Validator{validate: v}
}

// Validate validates a struct and returns the first failing field
func (v *Validator) Validate(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s: field is required", fe.Field())
	case "min", "gte":
		return fmt.Errorf("%s: must be at least %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Errorf("%s: must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%s: failed %q validation", fe.Field(), fe.Tag())
	}
}
