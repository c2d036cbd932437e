package relay

import "testing"

func TestParseMessageStartSetsModelAndInputTokens(t *testing.T) {
	var u Usage
	ParseMessageStart([]byte(`{"type":"message_start","message":{"model":"claude-opus-4","usage":{"input_tokens":0,"cache_read_input_tokens":0}}}`), &u)
	if u.Model != "claude-opus-4" {
		t.Errorf("Model = %q, want claude-opus-4", u.Model)
	}
}

func TestParseMessageDeltaAccumulatesOutputTokens(t *testing.T) {
	var u Usage
	ParseMessageDelta([]byte(`{"type":"message_delta","usage":{"output_tokens":10}}`), &u)
	ParseMessageDelta([]byte(`{"type":"message_delta","usage":{"output_tokens":22}}`), &u)
	ParseMessageDelta([]byte(`{"type":"message_delta","usage":{"output_tokens":10}}`), &u)
	if u.OutputTokens != 42 {
		t.Errorf("OutputTokens = %d, want 42", u.OutputTokens)
	}
}

func TestParseMessageStopFillsTrailingUsage(t *testing.T) {
	var u Usage
	ParseMessageStart([]byte(`{"type":"message_start","message":{"model":"claude-opus-4"}}`), &u)
	ParseMessageDelta([]byte(`{"type":"message_delta","usage":{"output_tokens":42}}`), &u)
	ParseMessageStop([]byte(`{"type":"message_stop","usage":{"input_tokens":100,"cache_read_input_tokens":50}}`), &u)

	if u.InputTokens != 100 {
		t.Errorf("InputTokens = %d, want 100", u.InputTokens)
	}
	if u.CacheReadInputTokens != 50 {
		t.Errorf("CacheReadInputTokens = %d, want 50", u.CacheReadInputTokens)
	}
	if u.OutputTokens != 42 {
		t.Errorf("OutputTokens = %d, want 42", u.OutputTokens)
	}
	total := u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens + u.OutputTokens
	if total != 192 {
		t.Errorf("total tokens = %d, want 192", total)
	}
}

func TestParseMessageStopIgnoresOtherEventTypes(t *testing.T) {
	u := Usage{InputTokens: 5}
	ParseMessageStop([]byte(`{"type":"content_block_stop"}`), &u)
	if u.InputTokens != 5 {
		t.Errorf("InputTokens = %d, want unchanged 5", u.InputTokens)
	}
}

func TestIsOpusMatchesCaseInsensitively(t *testing.T) {
	if !IsOpus("Claude-Opus-4") {
		t.Error("expected Claude-Opus-4 to match IsOpus")
	}
	if IsOpus("claude-sonnet-4") {
		t.Error("expected claude-sonnet-4 to not match IsOpus")
	}
}
