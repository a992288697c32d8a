package orchestrator

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/resilience"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/session"
)

const (
	MaxProblemLength = 4000
	MaxStreams       = 8
)

// Request asks for a new session. Parallel sessions use Streams, or the
// configured defaults when empty; think sessions run a single stream named
// by Mode.
type Request struct {
	Kind    session.Kind `json:"kind" validate:"omitempty,oneof=think parallel"`
	Mode    string       `json:"mode,omitempty" validate:"omitempty,streamid"`
	Problem string       `json:"problem" validate:"required,max=4000"`
	Streams []string     `json:"streams,omitempty" validate:"omitempty,max=8,unique,dive,streamid"`
}

var streamIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// FieldError describes a rejected request field by its JSON name. Its
// message is safe to show to callers.
type FieldError struct {
	Field string
	Rule  string
	Param string
	slice bool
}

func (e *FieldError) Error() string {
	switch e.Rule {
	case "required":
		return e.Field + " is required"
	case "max":
		if e.slice {
			return fmt.Sprintf("%s must list at most %s entries", e.Field, e.Param)
		}
		return fmt.Sprintf("%s must be at most %s characters", e.Field, e.Param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", e.Field, strings.ReplaceAll(e.Param, " ", ", "))
	case "unique":
		return e.Field + " must not repeat a stream"
	case "streamid":
		return e.Field + " must be a lowercase name of letters, digits, '-' or '_'"
	}
	return e.Field + " is invalid"
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("streamid", func(fl validator.FieldLevel) bool {
		return streamIDPattern.MatchString(fl.Field().String())
	})
	return v
}

func (o *Orchestrator) validate(req *Request) error {
	req.Problem = strings.TrimSpace(req.Problem)
	if err := o.validator.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			err = &FieldError{
				Field: fe.Field(),
				Rule:  fe.Tag(),
				Param: fe.Param(),
				slice: fe.Kind() == reflect.Slice,
			}
		}
		return resilience.Validation("create session", err)
	}
	return nil
}
