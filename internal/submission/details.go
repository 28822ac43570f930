package submission

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// UserDetails is collected once per session before recording is allowed.
type UserDetails struct {
	Name   string `json:"name" validate:"required"`
	Email  string `json:"email" validate:"required,email"`
	Age    int    `json:"age" validate:"gte=1,lte=120"`
	Gender string `json:"gender" validate:"required,oneof=male female other"`
}

// Validate checks the details and reports the first offending field.
func (d UserDetails) Validate() error {
	d.Name = strings.TrimSpace(d.Name)
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return &ValidationError{
			Kind:  ValidationDetails,
			Field: strings.ToLower(f.Field()),
			Err:   errors.New("failed " + f.Tag()),
		}
	}
	return &ValidationError{Kind: ValidationDetails, Err: err}
}

// JSON serializes the details for the upload form.
func (d UserDetails) JSON() ([]byte, error) {
	return json.Marshal(d)
}
