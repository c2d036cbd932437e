package provider

import "encoding/json"

// openAICompatible speaks the OpenAI Chat Completions shape upstream while
// presenting the Anthropic Messages shape to the client, per spec.md §4.3
// step 3 and §6.
type openAICompatible struct{}

func newOpenAICompatible() Provider {
	return openAICompatible{}
}

func (openAICompatible) Name() Name { return OpenAICompatible }

func (openAICompatible) Capabilities() Capabilities {
	return Capabilities{
		DefaultEndpoint: "", // always supplied via custom_endpoint
		AuthHeader:      "authorization",
	}
}

// RequestTransform rewrites an Anthropic Messages body into an OpenAI Chat
// Completions body: messages keep their role/content shape (both APIs use
// "user"/"assistant"), system becomes a leading system message, and
// max_tokens/stop_sequences are renamed to their OpenAI equivalents.
func (openAICompatible) RequestTransform(body map[string]any, modelMappings map[string]string) (map[string]any, error) {
	body = applyModelMapping(body, modelMappings)

	out := map[string]any{
		"model": body["model"],
	}
	if v, ok := body["stream"]; ok {
		out["stream"] = v
	}
	if v, ok := body["temperature"]; ok {
		out["temperature"] = v
	}
	if v, ok := body["max_tokens"]; ok {
		out["max_tokens"] = v
	}
	if v, ok := body["stop_sequences"]; ok {
		out["stop"] = v
	}

	messages := make([]any, 0)
	if sys, ok := body["system"]; ok {
		switch s := sys.(type) {
		case string:
			messages = append(messages, map[string]any{"role": "system", "content": s})
		case []any:
			var sb []byte
			for _, block := range s {
				if m, ok := block.(map[string]any); ok {
					if t, ok := m["text"].(string); ok {
						sb = append(sb, []byte(t)...)
					}
				}
			}
			if len(sb) > 0 {
				messages = append(messages, map[string]any{"role": "system", "content": string(sb)})
			}
		}
	}
	if msgs, ok := body["messages"].([]any); ok {
		messages = append(messages, msgs...)
	}
	out["messages"] = messages

	return out, nil
}

// ResponseTransform rewrites an OpenAI chat-completion response body back
// into the Anthropic Messages response shape so the client — which only
// ever speaks the Anthropic protocol — sees a familiar payload. Streaming
// chunks are passed through unchanged; full SSE-to-SSE reshaping is out of
// scope for this proxy's streaming tee (non-streaming responses only).
func (openAICompatible) ResponseTransform(body []byte, streaming bool) ([]byte, error) {
	if streaming {
		return body, nil
	}

	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return body, nil
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	stopReason := "end_turn"
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason == "length" {
		stopReason = "max_tokens"
	}

	out := map[string]any{
		"id":          resp.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       resp.Model,
		"content":     []map[string]any{{"type": "text", "text": text}},
		"stop_reason": stopReason,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		},
	}
	return json.Marshal(out)
}

// vertexAI speaks Anthropic's Messages shape almost unchanged — Vertex's
// Claude publisher endpoints drop the top-level "model" field (the model
// is already encoded in the URL path) and require "anthropic_version" in
// the body instead of a header.
type vertexAI struct{}

func newVertexAI() Provider {
	return vertexAI{}
}

func (vertexAI) Name() Name { return VertexAI }

func (vertexAI) Capabilities() Capabilities {
	return Capabilities{
		SupportsUsageTracking: true,
		DefaultEndpoint:       "", // region + project specific, always via custom_endpoint
		AuthHeader:            "authorization",
	}
}

func (vertexAI) RequestTransform(body map[string]any, modelMappings map[string]string) (map[string]any, error) {
	body = applyModelMapping(body, modelMappings)
	delete(body, "model")
	body["anthropic_version"] = "vertex-2023-10-16"
	return body, nil
}

func (vertexAI) ResponseTransform(body []byte, _ bool) ([]byte, error) {
	return body, nil
}
