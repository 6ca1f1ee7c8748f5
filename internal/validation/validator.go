// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/auditpipe/internal/audit"
)

// CodeValidationError is the API error code for validation failures.
const CodeValidationError = "VALIDATION_ERROR"

// FieldError is one rejected field, named as the client sent it.
type FieldError struct {
	Field   string      `json:"field"`
	Tag     string      `json:"tag"`
	Param   string      `json:"param,omitempty"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
}

func (e FieldError) Error() string { return e.Message }

// RequestValidationError collects every field failure of one request.
type RequestValidationError struct {
	Fields []FieldError
}

func (ve *RequestValidationError) Error() string {
	if len(ve.Fields) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(ve.Fields))
	for i, f := range ve.Fields {
		messages[i] = f.Message
	}
	return strings.Join(messages, "; ")
}

// APIError is the error body shape of the admin API.
type APIError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

// ToAPIError flattens a single failure into field, tag and value details.
// Several failures are listed under details.fields.
func (ve *RequestValidationError) ToAPIError() *APIError {
	switch len(ve.Fields) {
	case 0:
		return &APIError{Code: CodeValidationError, Message: "Validation failed"}
	case 1:
		f := ve.Fields[0]
		return &APIError{
			Code:    CodeValidationError,
			Message: f.Message,
			Details: map[string]interface{}{"field": f.Field, "tag": f.Tag, "value": f.Value},
		}
	}

	parts := make([]string, len(ve.Fields))
	for i, f := range ve.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return &APIError{
		Code:    CodeValidationError,
		Message: strings.Join(parts, "; "),
		Details: map[string]interface{}{"fields": ve.Fields},
	}
}

// NewFieldError reports a failure found outside struct tags, such as an
// inverted date range or an unparseable query parameter.
func NewFieldError(field, tag string, value interface{}, message string) *RequestValidationError {
	return &RequestValidationError{Fields: []FieldError{{
		Field:   field,
		Tag:     tag,
		Value:   value,
		Message: message,
	}}}
}

// enumTags are the audit enumerations checked case-insensitively.
var enumTags = map[string]func(string) bool{
	"actiontype": func(s string) bool { return audit.ActionType(strings.ToUpper(s)).Valid() },
	"severity":   func(s string) bool { return audit.Severity(strings.ToUpper(s)).Valid() },
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// GetValidator returns the shared validator, creating it on first use.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(jsonName)
		for tag, ok := range enumTags {
			check := ok
			if err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
				return check(fl.Field().String())
			}); err != nil {
				panic(fmt.Sprintf("register %s validator: %v", tag, err))
			}
		}
		validate = v
	})
	return validate
}

// jsonName reports fields by their json name so messages match the query
// parameters and request bodies.
func jsonName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return fld.Name
	}
	return name
}

// ValidateStruct validates s. It returns nil or a *RequestValidationError.
func ValidateStruct(s interface{}) *RequestValidationError {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewFieldError("unknown", "unknown", nil, err.Error())
	}

	out := &RequestValidationError{Fields: make([]FieldError, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Value:   fe.Value(),
			Message: message(fe),
		})
	}
	return out
}

type rule func(field, param string, isString bool) string

var rules = map[string]rule{
	"required":   fixed("%s is required"),
	"actiontype": fixed("%s must be a known action type"),
	"severity":   fixed("%s must be one of LOW, MEDIUM, HIGH, CRITICAL, ERROR"),
	"oneof":      withParam("%s must be one of: %s"),
	"gte":        withParam("%s must be greater than or equal to %s"),
	"lte":        withParam("%s must be less than or equal to %s"),
	"gt":         withParam("%s must be greater than %s"),
	"lt":         withParam("%s must be less than %s"),
	"gtefield":   withParam("%s must not be before %s"),
	"min":        sized("at least"),
	"max":        sized("at most"),
}

func fixed(format string) rule {
	return func(field, _ string, _ bool) string { return fmt.Sprintf(format, field) }
}

func withParam(format string) rule {
	return func(field, param string, _ bool) string { return fmt.Sprintf(format, field, param) }
}

func sized(bound string) rule {
	return func(field, param string, isString bool) string {
		if isString {
			return fmt.Sprintf("%s must be %s %s characters", field, bound, param)
		}
		return fmt.Sprintf("%s must be %s %s", field, bound, param)
	}
}

func message(fe validator.FieldError) string {
	if r, ok := rules[fe.Tag()]; ok {
		return r(fe.Field(), fe.Param(), fe.Kind() == reflect.String)
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}
