package validate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ensemble-fleet/ensemble/common"
)

var (
	llmProviders = []string{"groq", "openai"}
	sttProviders = []string{"groq", "deepgram"}
	ttsProviders = []string{"elevenlabs", "openai"}
)

// Validate checks a configuration payload against the agent schema and
// returns the outcome with any errors in schema order. It's a pure
// function of the payload: same input, same result, no I/O. Fields
// outside the schema are forwarded to the agent untouched.
func Validate(payload map[string]any) common.ValidationResult {
	res := common.ValidationResult{Accepted: true}
	reject := func(field, reason string) {
		res.Accepted = false
		res.Errors = append(res.Errors, common.ValidationError{Field: field, Reason: reason})
	}

	// Providers chosen in the agent block determine which credentials
	// are required below. Order is preserved so errors stay stable.
	var providers []string
	chose := func(name string) {
		if !slices.Contains(providers, name) {
			providers = append(providers, name)
		}
	}

	if agent, ok := objectField(payload, "agent"); !ok {
		reject("agent", "required object")
	} else {
		if s, ok := stringField(agent, "system_prompt"); !ok || s == "" {
			reject("agent.system_prompt", "must be a non-empty string")
		}
		if s, ok := stringField(agent, "welcome_message"); !ok || s == "" {
			reject("agent.welcome_message", "must be a non-empty string")
		}
		for _, field := range []struct {
			key     string
			allowed []string
		}{
			{"llm_provider", llmProviders},
			{"stt_provider", sttProviders},
			{"tts_provider", ttsProviders},
		} {
			s, ok := stringField(agent, field.key)
			if !ok || !slices.Contains(field.allowed, s) {
				reject("agent."+field.key, "must be one of: "+strings.Join(field.allowed, ", "))
				continue
			}
			chose(s)
		}
	}

	if llm, ok := objectField(payload, "llm"); ok {
		if _, present := llm["model"]; present {
			if s, ok := stringField(llm, "model"); !ok || s == "" {
				reject("llm.model", "must be a non-empty string")
			}
		}
		if _, present := llm["temperature"]; present {
			if n, ok := numberField(llm, "temperature"); !ok || n < 0 || n > 2 {
				reject("llm.temperature", "must be a number between 0 and 2")
			}
		}
	} else if _, present := payload["llm"]; present {
		reject("llm", "must be an object")
	}

	if tel, ok := objectField(payload, "telephony"); !ok {
		reject("telephony", "required object")
	} else {
		if s, ok := stringField(tel, "phone_number"); !ok || s == "" {
			reject("telephony.phone_number", "must be a non-empty string")
		}
		if s, ok := stringField(tel, "sip_trunk_uri"); !ok || s == "" {
			reject("telephony.sip_trunk_uri", "must be a non-empty string")
		}
	}

	if creds, ok := objectField(payload, "credentials"); !ok {
		reject("credentials", "required object")
	} else {
		for _, provider := range providers {
			key := provider + "_api_key"
			if s, ok := stringField(creds, key); !ok || s == "" {
				reject("credentials."+key, fmt.Sprintf("required for provider %q", provider))
			}
		}
	}

	return res
}

func objectField(obj map[string]any, key string) (map[string]any, bool) {
	val, ok := obj[key].(map[string]any)
	return val, ok
}

func stringField(obj map[string]any, key string) (string, bool) {
	val, ok := obj[key].(string)
	return val, ok
}

// numberField tolerates the numeric types produced by the various
// decoders that feed payloads in here (encoding/json gives float64,
// hand-built test fixtures tend to use ints).
func numberField(obj map[string]any, key string) (float64, bool) {
	switch val := obj[key].(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	}
	return 0, false
}
