package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"pure object", `{"a":1}`, `{"a":1}`},
		{"leading prose", `Here is the plan:` + "\n" + `{"plan_name":"x"}` + "\nDone.", `{"plan_name":"x"}`},
		{"nested braces", `noise {"a":{"b":{"c":1}}} tail`, `{"a":{"b":{"c":1}}}`},
		{"braces inside strings", `{"msg":"use {curly} braces"}`, `{"msg":"use {curly} braces"}`},
		{"escaped quote in string", `{"msg":"she said \"hi\" {x}"}`, `{"msg":"she said \"hi\" {x}"}`},
		{"array", `result: [1,2,3]`, `[1,2,3]`},
		{"unterminated", `{"a":1`, ""},
		{"no json", `all prose, no structure`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.input))
		})
	}
}

func TestParseJSONFallsBackToExtraction(t *testing.T) {
	var v struct {
		Approved bool    `json:"approved"`
		Score    float64 `json:"score"`
	}
	out := "I reviewed the plan.\n{\"approved\": true, \"score\": 8.5}\nThanks!"
	require.NoError(t, ParseJSON(out, &v))
	assert.True(t, v.Approved)
	assert.Equal(t, 8.5, v.Score)

	assert.Error(t, ParseJSON("nothing here", &v))
}

func TestUnwrapResult(t *testing.T) {
	stdout := `{"type":"result","subtype":"success","result":"<promise>DONE</promise>","total_cost_usd":0.042,"usage":{"input_tokens":1200,"output_tokens":340}}`
	text, cost, in, out := UnwrapResult(stdout)
	assert.Equal(t, "<promise>DONE</promise>", text)
	assert.Equal(t, 0.042, cost)
	assert.Equal(t, 1200, in)
	assert.Equal(t, 340, out)

	// Non-envelope output passes through untouched.
	text, cost, _, _ = UnwrapResult("plain text output")
	assert.Equal(t, "plain text output", text)
	assert.Zero(t, cost)
}

func TestEstimateCost(t *testing.T) {
	// Sonnet: $3/M in, $15/M out.
	cost := EstimateCost("claude-sonnet-4-20250514", 1_000_000, 1_000_000)
	assert.InDelta(t, 18.0, cost, 1e-9)

	// Unknown model uses the fallback price, never zero.
	assert.Greater(t, EstimateCost("mystery-model", 1000, 1000), 0.0)

	// Haiku is cheaper than opus for the same usage.
	assert.Less(t,
		EstimateCost("claude-3-5-haiku-20241022", 10_000, 10_000),
		EstimateCost("claude-opus-4", 10_000, 10_000))
}
