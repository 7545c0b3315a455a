package billing

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/stackforge/deploycp/internal/names"
)

// ValidationError carries structured per-field problems with a request body.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString("invalid deployment input:")
	for _, k := range keys {
		sb.WriteString(" ")
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(e.Fields[k])
		sb.WriteString(";")
	}
	return strings.TrimSuffix(sb.String(), ";")
}

// DeploymentInput is the tenant-supplied deployment intent. Parsing is
// permissive; Validate enforces cross-field rules and normalizes the name.
// Unknown fields are preserved in raw form so they survive round-trips
// through the encrypted envelope.
type DeploymentInput struct {
	Name               string            `json:"name"`
	AuthChoice         string            `json:"authChoice"`
	OpenAIAPIKey       string            `json:"openaiApiKey,omitempty"`
	AnthropicAPIKey    string            `json:"anthropicApiKey,omitempty"`
	DiscordBotToken    string            `json:"discordBotToken,omitempty"`
	DiscordGroupPolicy string            `json:"discordGroupPolicy,omitempty"`
	DiscordGuildID     string            `json:"discordGuildId,omitempty"`
	DiscordChannelIDs  []string          `json:"discordChannelIds,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`

	raw json.RawMessage
}

// ParseDeploymentInput decodes a deployment intent without validating it.
func ParseDeploymentInput(raw json.RawMessage) (*DeploymentInput, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("deployment input is empty")
	}
	var in DeploymentInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("parse deployment input: %w", err)
	}
	in.raw = append(json.RawMessage(nil), raw...)
	return &in, nil
}

// Raw returns the original intent bytes, including unknown fields.
func (in *DeploymentInput) Raw() json.RawMessage {
	if in.raw != nil {
		return in.raw
	}
	encoded, _ := json.Marshal(in)
	return encoded
}

// Validate normalizes the input in place and reports all field problems at
// once as a *ValidationError.
func (in *DeploymentInput) Validate() error {
	fields := map[string]string{}

	if hasLabelChars(in.Name) {
		in.Name = names.Label(in.Name)
	} else {
		fields["name"] = "required, must contain at least one letter or digit"
	}

	switch in.AuthChoice {
	case "openai":
		if strings.TrimSpace(in.OpenAIAPIKey) == "" {
			fields["openaiApiKey"] = "required when authChoice is openai"
		}
	case "anthropic":
		if strings.TrimSpace(in.AnthropicAPIKey) == "" {
			fields["anthropicApiKey"] = "required when authChoice is anthropic"
		}
	case "":
		fields["authChoice"] = "required"
	default:
		fields["authChoice"] = fmt.Sprintf("must be openai or anthropic, got %q", in.AuthChoice)
	}

	if in.DiscordGroupPolicy == "" {
		in.DiscordGroupPolicy = "open"
	}
	switch in.DiscordGroupPolicy {
	case "open":
	case "allowlist":
		if strings.TrimSpace(in.DiscordGuildID) == "" {
			fields["discordGuildId"] = "required when discordGroupPolicy is allowlist"
		}
		if len(in.DiscordChannelIDs) == 0 {
			fields["discordChannelIds"] = "at least one channel required when discordGroupPolicy is allowlist"
		}
	default:
		fields["discordGroupPolicy"] = fmt.Sprintf("must be open or allowlist, got %q", in.DiscordGroupPolicy)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Config returns the non-secret portion of the intent, the part stored as
// the deployment's encrypted configuration.
func (in *DeploymentInput) Config() map[string]any {
	cfg := map[string]any{
		"name":               in.Name,
		"authChoice":         in.AuthChoice,
		"discordGroupPolicy": in.DiscordGroupPolicy,
	}
	if in.DiscordGuildID != "" {
		cfg["discordGuildId"] = in.DiscordGuildID
	}
	if len(in.DiscordChannelIDs) > 0 {
		cfg["discordChannelIds"] = in.DiscordChannelIDs
	}
	if len(in.Metadata) > 0 {
		cfg["metadata"] = in.Metadata
	}
	return cfg
}

func hasLabelChars(s string) bool {
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return true
		}
	}
	return false
}

// Secrets returns the secret portion of the intent, stored only encrypted.
func (in *DeploymentInput) Secrets() map[string]string {
	out := map[string]string{"authChoice": in.AuthChoice}
	if in.OpenAIAPIKey != "" {
		out["openaiApiKey"] = in.OpenAIAPIKey
	}
	if in.AnthropicAPIKey != "" {
		out["anthropicApiKey"] = in.AnthropicAPIKey
	}
	if in.DiscordBotToken != "" {
		out["discordBotToken"] = in.DiscordBotToken
	}
	return out
}
