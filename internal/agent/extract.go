package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSON decodes agent output into v. It first tries the whole string,
// then falls back to the outermost JSON block found in mixed text.
func ParseJSON(output string, v any) error {
	if err := json.Unmarshal([]byte(output), v); err == nil {
		return nil
	}
	if extracted := ExtractJSON(output); extracted != "" {
		if err := json.Unmarshal([]byte(extracted), v); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no valid JSON found in output")
}

// ExtractJSON finds the outermost balanced JSON object or array in mixed
// text. Braces inside string literals are ignored.
func ExtractJSON(output string) string {
	start := strings.IndexAny(output, "{[")
	if start == -1 {
		return ""
	}

	openChar := output[start]
	closeChar := byte('}')
	if openChar == '[' {
		closeChar = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(output); i++ {
		c := output[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if c == openChar {
			depth++
		} else if c == closeChar {
			depth--
			if depth == 0 {
				return output[start : i+1]
			}
		}
	}
	return ""
}

// claudeEnvelope matches the structured-output envelope the claude CLI
// prints with --output-format json.
type claudeEnvelope struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype"`
	Result    string  `json:"result"`
	IsError   bool    `json:"is_error"`
	CostUSD   float64 `json:"total_cost_usd"`
	NumTurns  int     `json:"num_turns"`
	SessionID string  `json:"session_id"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// UnwrapResult returns the agent's textual result from its CLI envelope,
// along with reported cost and tokens when present. Output that is not a
// recognized envelope is returned unchanged.
func UnwrapResult(stdout string) (text string, costUSD float64, tokensIn, tokensOut int) {
	raw := ExtractJSON(stdout)
	if raw == "" {
		return stdout, 0, 0, 0
	}
	var env claudeEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Type != "result" {
		return stdout, 0, 0, 0
	}
	return env.Result, env.CostUSD, env.Usage.InputTokens, env.Usage.OutputTokens
}
