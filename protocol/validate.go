package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError carries a message meant for the end user.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var (
	ErrRoomNameRequired = &ValidationError{Field: "name", Message: "Room name is required"}
	ErrFileTooLarge     = &ValidationError{Field: "file", Message: "File exceeds the 10MB limit"}
	ErrAvatarNotImage   = &ValidationError{Field: "avatar", Message: "Avatar must be an image"}
	ErrEmptyMessage     = &ValidationError{Field: "text", Message: "Message is empty"}
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

type selfValidator interface {
	Validate() error
}

// Check runs struct tag validation and then the value's own Validate method.
func Check(v any) error {
	if err := validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: fe.Field(), Message: describe(fe)}
		}
		return err
	}
	if sv, ok := v.(selfValidator); ok {
		return sv.Validate()
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
