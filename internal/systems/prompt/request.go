package prompt

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
)

var validate = validator.New()

// Spec describes a prompt the rules want to open.
type Spec struct {
	ForPlayer domain.PlayerID `json:"forPlayerId" validate:"required"`
	Title     string          `json:"title,omitempty" validate:"max=200"`
	SourceID  string          `json:"sourceId,omitempty" validate:"max=128"`
	Options   []Option        `json:"options" validate:"required,min=1,max=64,dive"`
	Min       int             `json:"min,omitempty" validate:"gte=0"`
	Max       int             `json:"max,omitempty" validate:"gte=0"`
	Skippable bool            `json:"skippable,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty" validate:"gte=0"`
}

// Option is one answer offered by a prompt.
type Option struct {
	ID       string `json:"id" validate:"required,max=64"`
	Label    string `json:"label,omitempty" validate:"max=200"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Request builds the event that asks the prompt system to open spec.
func Request(spec Spec) domain.Event {
	options := make([]any, len(spec.Options))
	for i, o := range spec.Options {
		options[i] = map[string]any{"id": o.ID, "label": o.Label, "disabled": o.Disabled}
	}
	payload := domain.Payload{
		"forPlayerId": string(spec.ForPlayer),
		"options":     options,
	}
	if spec.Title != "" {
		payload["title"] = spec.Title
	}
	if spec.SourceID != "" {
		payload["sourceId"] = spec.SourceID
	}
	if spec.Min > 0 {
		payload["min"] = spec.Min
	}
	if spec.Max > 0 {
		payload["max"] = spec.Max
	}
	if spec.Skippable {
		payload["skippable"] = true
	}
	if spec.TimeoutMs > 0 {
		payload["timeoutMs"] = spec.TimeoutMs
	}
	return domain.NewEvent(EventRequest, payload)
}

// Parse decodes and checks a request payload. Payloads from sandboxed rules
// arrive as plain maps, so decoding goes through JSON.
func Parse(payload domain.Payload) (engine.Prompt, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return engine.Prompt{}, fmt.Errorf("encode prompt request: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return engine.Prompt{}, fmt.Errorf("decode prompt request: %w", err)
	}
	if err := validate.Struct(spec); err != nil {
		return engine.Prompt{}, fmt.Errorf("invalid prompt request: %w", err)
	}
	if spec.Max > 0 && spec.Min > spec.Max {
		return engine.Prompt{}, fmt.Errorf("invalid prompt request: min %d exceeds max %d", spec.Min, spec.Max)
	}
	if spec.Max > len(spec.Options) {
		return engine.Prompt{}, fmt.Errorf("invalid prompt request: max %d exceeds %d options", spec.Max, len(spec.Options))
	}
	if spec.Min > len(spec.Options) {
		return engine.Prompt{}, fmt.Errorf("invalid prompt request: min %d exceeds %d options", spec.Min, len(spec.Options))
	}

	seen := make(map[string]bool, len(spec.Options))
	enabled := 0
	p := engine.Prompt{
		ForPlayer: spec.ForPlayer,
		Title:     spec.Title,
		SourceID:  spec.SourceID,
		Min:       spec.Min,
		Max:       spec.Max,
		Skippable: spec.Skippable,
		TimeoutMs: spec.TimeoutMs,
	}
	for _, o := range spec.Options {
		if seen[o.ID] {
			return engine.Prompt{}, fmt.Errorf("invalid prompt request: duplicate option %q", o.ID)
		}
		seen[o.ID] = true
		p.Options = append(p.Options, engine.PromptOption{ID: o.ID, Label: o.Label, Disabled: o.Disabled})
		if !o.Disabled {
			enabled++
		}
	}
	if lo, _ := bounds(&p); enabled < lo {
		return engine.Prompt{}, fmt.Errorf("invalid prompt request: %d enabled options cannot satisfy min %d", enabled, lo)
	}
	return p, nil
}

// Respond builds the reserved respond command for a single option.
func Respond(player domain.PlayerID, promptID, optionID string) domain.Command {
	return domain.Command{
		Type:     CommandRespond,
		PlayerID: player,
		Payload:  domain.Payload{"promptId": promptID, "optionId": optionID},
	}
}

// RespondMany builds the reserved respond command for a multi-select prompt.
func RespondMany(player domain.PlayerID, promptID string, optionIDs ...string) domain.Command {
	ids := make([]any, len(optionIDs))
	for i, id := range optionIDs {
		ids[i] = id
	}
	return domain.Command{
		Type:     CommandRespond,
		PlayerID: player,
		Payload:  domain.Payload{"promptId": promptID, "optionIds": ids},
	}
}

// Skip builds the reserved skip command.
func Skip(player domain.PlayerID, promptID string) domain.Command {
	return domain.Command{
		Type:     CommandSkip,
		PlayerID: player,
		Payload:  domain.Payload{"promptId": promptID},
	}
}
