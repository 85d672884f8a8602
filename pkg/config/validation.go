package config

import (
	"reflect"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

// Validator is implemented by configuration structs with cross-field rules.
// It runs after `required` tag validation succeeds. Errors that are not
// already *sserr.Error are wrapped with [sserr.CodeValidation].
//
//	func (c *Config) Validate() error {
//	    if c.AuthnEngine == "remote" && c.AuthnEngineURL == "" {
//	        return sserr.New(sserr.CodeValidationRequired,
//	            "config: AUTHN_ENGINE_URL is required for remote authentication")
//	    }
//	    return nil
//	}
type Validator interface {
	Validate() error
}

func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}

	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			if _, isSSErr := sserr.AsError(err); isSSErr {
				return err
			}
			return sserr.Wrap(err, sserr.CodeValidation,
				"config: custom validation failed")
		}
	}

	return nil
}

// validateRequired checks `required:"true"` fields recursively. path is the
// dotted field path used in error messages (e.g. "Postgres.Host").
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		if field.Kind() == reflect.Struct {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}

		if sf.Tag.Get("required") != "true" {
			continue
		}

		if field.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}

	return nil
}
