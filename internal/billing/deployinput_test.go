package billing

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseCatalogValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"zero amount", `[{"id":"p","name":"P","amount":0,"currency":"eur"}]`},
		{"negative amount", `[{"id":"p","name":"P","amount":-5,"currency":"eur"}]`},
		{"non-integer amount", `[{"id":"p","name":"P","amount":19.99,"currency":"eur"}]`},
		{"uppercase currency", `[{"id":"p","name":"P","amount":100,"currency":"EUR"}]`},
		{"long currency", `[{"id":"p","name":"P","amount":100,"currency":"euro"}]`},
		{"missing id", `[{"name":"P","amount":100,"currency":"eur"}]`},
		{"duplicate id", `[{"id":"p","name":"P","amount":100,"currency":"eur"},{"id":"p","name":"Q","amount":200,"currency":"eur"}]`},
		{"empty", `[]`},
	}
	for _, tc := range cases {
		if _, err := ParseCatalog(tc.raw); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}

	c, err := ParseCatalog(testCatalogJSON)
	if err != nil {
		t.Fatal(err)
	}
	if p, ok := c.Get("hetzner-cx23-launch"); !ok || p.Amount != 1900 {
		t.Errorf("plan = %+v ok=%v", p, ok)
	}
	if got := len(c.Plans()); got != 2 {
		t.Errorf("plans = %d", got)
	}
}

func TestDeploymentInputValidate(t *testing.T) {
	in, err := ParseDeploymentInput(json.RawMessage(`{"name":"My Bot!","authChoice":"openai","openaiApiKey":"sk-x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := in.Validate(); err != nil {
		t.Fatal(err)
	}
	if in.Name != "my-bot" {
		t.Errorf("normalized name = %q", in.Name)
	}
	if in.DiscordGroupPolicy != "open" {
		t.Errorf("default policy = %q", in.DiscordGroupPolicy)
	}
}

func TestDeploymentInputCrossFieldRules(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		field string
	}{
		{"missing key for openai", `{"name":"a","authChoice":"openai"}`, "openaiApiKey"},
		{"missing key for anthropic", `{"name":"a","authChoice":"anthropic"}`, "anthropicApiKey"},
		{"unknown auth choice", `{"name":"a","authChoice":"gemini"}`, "authChoice"},
		{"allowlist without guild", `{"name":"a","authChoice":"openai","openaiApiKey":"k","discordGroupPolicy":"allowlist","discordChannelIds":["1"]}`, "discordGuildId"},
		{"allowlist without channels", `{"name":"a","authChoice":"openai","openaiApiKey":"k","discordGroupPolicy":"allowlist","discordGuildId":"g"}`, "discordChannelIds"},
		{"bad policy", `{"name":"a","authChoice":"openai","openaiApiKey":"k","discordGroupPolicy":"closed"}`, "discordGroupPolicy"},
		{"name with no label chars", `{"name":"!!!","authChoice":"openai","openaiApiKey":"k"}`, "name"},
		{"empty name", `{"authChoice":"openai","openaiApiKey":"k"}`, "name"},
	}
	for _, tc := range cases {
		in, err := ParseDeploymentInput(json.RawMessage(tc.raw))
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.name, err)
		}
		err = in.Validate()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: err = %v", tc.name, err)
			continue
		}
		if verr.Fields[tc.field] == "" {
			t.Errorf("%s: fields = %v", tc.name, verr.Fields)
		}
	}
}

func TestDeploymentInputRawPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"name":"a","authChoice":"openai","openaiApiKey":"k","futureField":{"x":1}}`)
	in, err := ParseDeploymentInput(raw)
	if err != nil {
		t.Fatal(err)
	}
	var round map[string]any
	if err := json.Unmarshal(in.Raw(), &round); err != nil {
		t.Fatal(err)
	}
	if _, ok := round["futureField"]; !ok {
		t.Error("unknown field dropped")
	}
}

func TestDeploymentInputSecretSplit(t *testing.T) {
	in, err := ParseDeploymentInput(json.RawMessage(`{"name":"a","authChoice":"anthropic","anthropicApiKey":"sk","discordBotToken":"tok","discordGuildId":"g"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := in.Validate(); err != nil {
		t.Fatal(err)
	}

	secrets := in.Secrets()
	if secrets["anthropicApiKey"] != "sk" || secrets["discordBotToken"] != "tok" {
		t.Errorf("secrets = %v", secrets)
	}
	cfg := in.Config()
	for k := range cfg {
		switch k {
		case "anthropicApiKey", "openaiApiKey", "discordBotToken":
			t.Errorf("secret %q leaked into config", k)
		}
	}
}
