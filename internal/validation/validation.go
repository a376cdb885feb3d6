// Package validation checks station names and payload schemas. Struct validation uses
// one shared go-playground validator, which caches struct metadata across calls.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// ErrStationEmpty is returned when the station name is empty after trim.
var ErrStationEmpty = errors.New("station name is required")

// ErrStationTooLong is returned when the station name exceeds the APRS limit.
var ErrStationTooLong = errors.New("station name too long")

// ErrStationInvalidChars is returned when the station name contains disallowed characters.
var ErrStationInvalidChars = errors.New("station name contains invalid characters")

// maxStationLen is the longest APRS object or callsign-SSID name aprs.fi returns.
const maxStationLen = 9

// ValidateStation trims the input and checks it looks like an APRS station name:
// letters, digits and hyphen, at most nine characters (e.g. DL7HMX-15).
func ValidateStation(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrStationEmpty
	}
	if len(s) > maxStationLen {
		return "", ErrStationTooLong
	}
	for _, c := range s {
		if !isAllowedStationRune(c) {
			return "", ErrStationInvalidChars
		}
	}
	return s, nil
}

func isAllowedStationRune(r rune) bool {
	if r > unicode.MaxASCII {
		return false
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-'
}

// FieldError is one failed rule.
type FieldError struct {
	Field string
	Tag   string
	Param string
	Value interface{}
}

func (e FieldError) Error() string {
	switch e.Tag {
	case "required":
		return fmt.Sprintf("%s is required", e.Field)
	case "eq", "oneof":
		return fmt.Sprintf("%s must be %s, got %v", e.Field, strings.ReplaceAll(e.Param, " ", "|"), e.Value)
	case "latitude", "longitude":
		return fmt.Sprintf("%s must be a valid %s, got %v", e.Field, e.Tag, e.Value)
	default:
		return fmt.Sprintf("%s failed %s validation", e.Field, e.Tag)
	}
}

// SchemaError collects every failed rule of one struct.
type SchemaError struct {
	Fields []FieldError
}

func (e *SchemaError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report wire names so diagnostics match the payload the caller sent.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Struct validates s and returns a *SchemaError describing every failed rule, or nil.
func Struct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &SchemaError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field: fieldPath(fe.Namespace()),
			Tag:   fe.Tag(),
			Param: fe.Param(),
			Value: fe.Value(),
		})
	}
	return out
}

// fieldPath drops the root struct name: "locationResponse.entries[0].class" -> "entries[0].class".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
