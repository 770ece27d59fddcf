package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validatorInstance is a package-level validator instance.
// Using a single instance is more efficient as it caches struct information.
var validatorInstance = validator.New()

var eventNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]*$`)

func init() {
	_ = validatorInstance.RegisterValidation("eventname", func(fl validator.FieldLevel) bool {
		return eventNamePattern.MatchString(fl.Field().String())
	})
}

// Validator exposes the shared validator so adapters can reuse the custom rules.
func Validator() *validator.Validate { return validatorInstance }

// CheckCommand validates the command envelope. Payload content is the
// domain's concern.
func CheckCommand(cmd Command) *Rejection {
	if err := validatorInstance.Struct(cmd); err != nil {
		return &Rejection{Reason: ReasonMalformedCommand, Message: describe(err), Cause: err}
	}
	if err := cmd.Payload.CheckEncodable(); err != nil {
		return &Rejection{Reason: ReasonMalformedCommand, Message: err.Error(), Cause: err}
	}
	return nil
}

// CheckEvent validates an event produced by untrusted rules.
func CheckEvent(evt Event) error {
	if err := validatorInstance.Struct(evt); err != nil {
		return fmt.Errorf("malformed event %q: %s", evt.Type, describe(err))
	}
	return evt.Payload.CheckEncodable()
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
