// Package telemetry ingests client migration status reports and answers
// administrator queries over them.
package telemetry

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/repvault/ai-backend/internal/apierr"
	"github.com/repvault/ai-backend/internal/domain"
)

// CanonicalLayout is the only accepted timestamp form: UTC with exactly
// millisecond precision, e.g. 2026-02-21T18:20:00.000Z.
const CanonicalLayout = "2006-01-02T15:04:05.000Z"

// validate checks request bodies decoded as loose JSON. Fields are declared
// as any so the JSON type itself is validated.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	rules := map[string]validator.Func{
		"nonempty_string": func(fl validator.FieldLevel) bool {
			f := fl.Field()
			return f.Kind() == reflect.String && strings.TrimSpace(f.String()) != ""
		},
		"mobile_platform": func(fl validator.FieldLevel) bool {
			f := fl.Field()
			if f.Kind() != reflect.String {
				return false
			}
			switch domain.Platform(f.String()) {
			case domain.PlatformIOS, domain.PlatformAndroid:
				return true
			}
			return false
		},
		"finite_number": func(fl validator.FieldLevel) bool {
			_, ok := numberValue(fl.Field())
			return ok
		},
		"positive_number": func(fl validator.FieldLevel) bool {
			n, ok := numberValue(fl.Field())
			return ok && n > 0
		},
		"canonical_utc": func(fl validator.FieldLevel) bool {
			f := fl.Field()
			return f.Kind() == reflect.String && IsCanonicalUTC(f.String())
		},
	}
	for tag, fn := range rules {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			panic(err)
		}
	}
}

// numberValue accepts finite floating point and integer values only.
func numberValue(f reflect.Value) (float64, bool) {
	switch f.Kind() {
	case reflect.Float32, reflect.Float64:
		n := f.Float()
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(f.Int()), true
	}
	return 0, false
}

// fieldMessage turns a failed rule into the reason reported for the field.
func fieldMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "nonempty_string":
		return e.Field() + " must be a non-empty string."
	case "mobile_platform":
		return e.Field() + " must be ios or android."
	case "finite_number":
		return e.Field() + " must be a number."
	case "positive_number":
		return e.Field() + " must be a positive number."
	case "canonical_utc":
		return e.Field() + " must be a canonical ISO UTC string."
	default:
		return e.Field() + " is invalid."
	}
}

// validationError runs the validator over input and collects every failing
// field into one VALIDATION_ERROR.
func validationError(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apierr.Internal(err)
	}
	details := make(map[string]string, len(fieldErrs))
	for _, e := range fieldErrs {
		details[e.Field()] = fieldMessage(e)
	}
	return apierr.Validation(details)
}

// Report is a validated migration status report.
type Report struct {
	InstallID           string
	Platform            domain.Platform
	AppVersion          string
	SchemaVersion       float64
	LatestSchemaVersion float64
	Timestamp           string
	ReportedAt          time.Time
}

type reportInput struct {
	InstallID           any `json:"installId" validate:"nonempty_string"`
	Platform            any `json:"platform" validate:"mobile_platform"`
	AppVersion          any `json:"appVersion" validate:"nonempty_string"`
	SchemaVersion       any `json:"schemaVersion" validate:"finite_number"`
	LatestSchemaVersion any `json:"latestSchemaVersion" validate:"finite_number"`
	Timestamp           any `json:"timestamp" validate:"canonical_utc"`
}

// IsCanonicalUTC reports whether value parses as a timestamp and formats
// back to exactly the same string.
func IsCanonicalUTC(value string) bool {
	_, ok := parseCanonical(value)
	return ok
}

func parseCanonical(value string) (time.Time, bool) {
	t, err := time.Parse(CanonicalLayout, value)
	if err != nil {
		return time.Time{}, false
	}
	return t, t.UTC().Format(CanonicalLayout) == value
}

// ParseReport validates raw report fields decoded from a JSON body. Every
// failing field is reported in a single validation error.
func ParseReport(fields map[string]any) (Report, error) {
	in := reportInput{
		InstallID:           fields["installId"],
		Platform:            fields["platform"],
		AppVersion:          fields["appVersion"],
		SchemaVersion:       fields["schemaVersion"],
		LatestSchemaVersion: fields["latestSchemaVersion"],
		Timestamp:           fields["timestamp"],
	}
	if err := validationError(&in); err != nil {
		return Report{}, err
	}

	ts := in.Timestamp.(string)
	reportedAt, _ := parseCanonical(ts)
	schema, _ := numberValue(reflect.ValueOf(in.SchemaVersion))
	latest, _ := numberValue(reflect.ValueOf(in.LatestSchemaVersion))
	return Report{
		InstallID:           strings.TrimSpace(in.InstallID.(string)),
		Platform:            domain.Platform(in.Platform.(string)),
		AppVersion:          strings.TrimSpace(in.AppVersion.(string)),
		SchemaVersion:       schema,
		LatestSchemaVersion: latest,
		Timestamp:           ts,
		ReportedAt:          reportedAt,
	}, nil
}
