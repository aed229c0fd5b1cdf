package shared

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance for request structs.
var validate = validator.New()

// DecodeJSON decodes the request body into v. An empty body is reported as
// io.EOF so handlers with optional bodies can treat it as "no options".
func DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// DecodeJSONOptional decodes the request body into v, treating an empty
// body as success with v left at its zero value.
func DecodeJSONOptional(r *http.Request, v any) error {
	err := DecodeJSON(r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ValidateRequest validates a request struct by its validate tags. Structs
// with their own Validate method are validated through it instead.
func ValidateRequest(v any) error {
	if validator, ok := v.(interface{ Validate() error }); ok {
		return validator.Validate()
	}
	return validate.Struct(v)
}
