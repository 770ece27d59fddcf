package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Reason is the machine-readable code attached to a rejected command.
type Reason string

const (
	ReasonNotYourTurn          Reason = "notYourTurn"
	ReasonPromptPending        Reason = "promptPending"
	ReasonPromptNotFound       Reason = "promptNotFound"
	ReasonInvalidOption        Reason = "invalidOption"
	ReasonInsufficientResource Reason = "insufficientResource"
	ReasonInvalidCommand       Reason = "invalidCommand"
	ReasonUnknownCommand       Reason = "unknownCommand"
	ReasonMalformedCommand     Reason = "malformedCommand"
	ReasonGameOver             Reason = "gameOver"
	ReasonWrongPhase           Reason = "wrongPhase"
	ReasonResponseWindowOpen   Reason = "responseWindowOpen"
	ReasonInvalidPlayer        Reason = "invalidPlayer"
	ReasonDomainFault          Reason = "domainFault"
)

// Sentinel errors for match hosting and lookups.
var (
	ErrGameNotFound    = errors.New("game not found")
	ErrGameUnavailable = errors.New("game unavailable")
	ErrMatchNotFound   = errors.New("match not found")
	ErrMatchClosed     = errors.New("match is closed")
	ErrNothingToUndo   = errors.New("nothing to undo")
)

// Rejection is a validation failure: an expected, user-facing outcome of
// applying a command.
type Rejection struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
	Cause   error  `json:"-"`
}

// Reject builds a rejection with a formatted message.
func Reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return "command rejected: " + string(r.Reason)
	}
	return fmt.Sprintf("command rejected: %s: %s", r.Reason, r.Message)
}

func (r *Rejection) Unwrap() error { return r.Cause }

// ConfigError reports a game or pipeline that cannot be constructed.
type ConfigError struct {
	Component string
	Problems  []string
}

// NewConfigError builds a ConfigError for component with one problem.
func NewConfigError(component, format string, args ...any) *ConfigError {
	return &ConfigError{Component: component, Problems: []string{fmt.Sprintf(format, args...)}}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Component, strings.Join(e.Problems, "; "))
}

// DomainFault reports a domain function that failed, panicked, or returned
// malformed data.
type DomainFault struct {
	Op    string
	Cause error
}

// Fault wraps cause as a DomainFault raised by op.
func Fault(op string, cause error) *DomainFault {
	return &DomainFault{Op: op, Cause: cause}
}

func (f *DomainFault) Error() string {
	return fmt.Sprintf("domain fault in %s: %v", f.Op, f.Cause)
}

func (f *DomainFault) Unwrap() error { return f.Cause }

// Rejection converts the fault into a domainFault rejection.
func (f *DomainFault) Rejection() *Rejection {
	return &Rejection{Reason: ReasonDomainFault, Message: f.Error(), Cause: f}
}

// IsDomainFault reports whether err carries a DomainFault.
func IsDomainFault(err error) bool {
	var f *DomainFault
	return errors.As(err, &f)
}
