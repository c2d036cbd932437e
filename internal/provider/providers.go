package provider

// passthrough implements the Anthropic-native Messages API shape: only the
// requested model is rewritten via model_mappings, nothing else changes.
type passthrough struct {
	name name
	caps Capabilities
}

type name = Name

func (p passthrough) Name() Name                 { return p.name }
func (p passthrough) Capabilities() Capabilities { return p.caps }

func (p passthrough) RequestTransform(body map[string]any, modelMappings map[string]string) (map[string]any, error) {
	return applyModelMapping(body, modelMappings), nil
}

func (p passthrough) ResponseTransform(body []byte, _ bool) ([]byte, error) {
	return body, nil
}

func applyModelMapping(body map[string]any, mappings map[string]string) map[string]any {
	if len(mappings) == 0 {
		return body
	}
	model, ok := body["model"].(string)
	if !ok {
		return body
	}
	if mapped, ok := mappings[model]; ok {
		body["model"] = mapped
	}
	return body
}

func newAnthropicOAuth() Provider {
	return passthrough{
		name: AnthropicOAuth,
		caps: Capabilities{
			SupportsOAuth:           true,
			SupportsUsageTracking:   true,
			RequiresSessionTracking: true,
			DefaultEndpoint:         "https://api.anthropic.com/v1/messages",
			AuthHeader:              "authorization",
		},
	}
}

func newClaudeConsole() Provider {
	return passthrough{
		name: ClaudeConsole,
		caps: Capabilities{
			SupportsOAuth:         false,
			SupportsUsageTracking: true,
			DefaultEndpoint:       "https://api.anthropic.com/v1/messages",
			AuthHeader:            "x-api-key",
		},
	}
}

func newZAI() Provider {
	return passthrough{
		name: ZAI,
		caps: Capabilities{
			DefaultEndpoint: "https://api.z.ai/api/anthropic/v1/messages",
			AuthHeader:      "authorization",
		},
	}
}

func newMiniMax() Provider {
	return passthrough{
		name: MiniMax,
		caps: Capabilities{
			DefaultEndpoint: "https://api.minimax.chat/v1/text/chatcompletion_pro",
			AuthHeader:      "authorization",
		},
	}
}

func newAnthropicCompatible() Provider {
	return passthrough{
		name: AnthropicCompatible,
		caps: Capabilities{
			DefaultEndpoint: "", // always supplied via custom_endpoint
			AuthHeader:      "x-api-key",
		},
	}
}

func newNanoGPT() Provider {
	return passthrough{
		name: NanoGPT,
		caps: Capabilities{
			DefaultEndpoint: "https://nano-gpt.com/api/v1/messages",
			AuthHeader:      "authorization",
		},
	}
}
