package ugc

import (
	"slices"
	"time"
)

// ErrorType categorizes script failures.
type ErrorType string

const (
	ErrorTypeCompilation       ErrorType = "compilation"
	ErrorTypeExecution         ErrorType = "execution"
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeAllocLimit        ErrorType = "alloc_limit"
	ErrorTypeSecurityViolation ErrorType = "security_violation"
	ErrorTypeInvalidOutput     ErrorType = "invalid_output"
)

// ScriptError is a failure raised while compiling or running a rules script.
type ScriptError struct {
	Type      ErrorType
	Game      string
	Op        string
	Message   string
	Cause     error
	Timestamp time.Time
}

func (e *ScriptError) Error() string {
	msg := string(e.Type) + " error in " + e.Game
	if e.Op != "" {
		msg += "/" + e.Op
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ScriptError) Unwrap() error {
	return e.Cause
}

// NewScriptError creates a ScriptError stamped with the current time.
func NewScriptError(errorType ErrorType, game, op, message string, cause error) *ScriptError {
	return &ScriptError{
		Type:      errorType,
		Game:      game,
		Op:        op,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// Limits bound what a rules script may do per call.
type Limits struct {
	Timeout        time.Duration `json:"timeout"`
	MaxAllocs      int64         `json:"maxAllocs"`
	AllowedModules []string      `json:"allowedModules"`
	// QuarantineAfter is the number of consecutive faults after which a
	// library game stops accepting new matches. Zero disables quarantine.
	QuarantineAfter int `json:"quarantineAfter"`
}

// DefaultLimits are the limits used when none are configured.
var DefaultLimits = Limits{
	Timeout:         250 * time.Millisecond,
	MaxAllocs:       200_000,
	AllowedModules:  []string{"fmt", "math", "text", "enum"},
	QuarantineAfter: 3,
}

// GetDefaultLimits returns a copy of DefaultLimits.
func GetDefaultLimits() Limits {
	limits := DefaultLimits
	limits.AllowedModules = slices.Clone(DefaultLimits.AllowedModules)
	return limits
}

func (l Limits) withDefaults() Limits {
	d := GetDefaultLimits()
	if l.Timeout <= 0 {
		l.Timeout = d.Timeout
	}
	if l.MaxAllocs <= 0 {
		l.MaxAllocs = d.MaxAllocs
	}
	if l.AllowedModules == nil {
		l.AllowedModules = d.AllowedModules
	}
	return l
}
