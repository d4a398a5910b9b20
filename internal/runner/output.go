package runner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// workerReport is the JSON contract worker agents answer with.
type workerReport struct {
	Summary              string         `json:"summary"`
	Output               map[string]any `json:"output"`
	AcceptanceTestResult string         `json:"acceptance_test_result"`
	ToolCalls            []toolCall     `json:"tool_calls"`
}

// toolCall is one engine tool invocation requested by the agent.
type toolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

func parseWorkerReport(raw string) (*workerReport, error) {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return nil, fmt.Errorf("runner: agent did not produce a JSON report. Output:\n%s", truncate(raw, 500))
	}
	var rep workerReport
	if err := json.Unmarshal([]byte(jsonStr), &rep); err != nil {
		return nil, fmt.Errorf("runner: parse agent report: %w\nRaw: %s", err, truncate(jsonStr, 500))
	}
	if strings.TrimSpace(rep.Summary) == "" && len(rep.Output) == 0 {
		return nil, fmt.Errorf("runner: agent report carries neither summary nor output. Output:\n%s", truncate(raw, 500))
	}
	return &rep, nil
}

// gateVerdict is the JSON contract gatekeeper agents answer with.
// acceptance_test accepts a string or a list of strings.
type gateVerdict struct {
	Verdict        string          `json:"verdict"`
	AcceptanceTest json.RawMessage `json:"acceptance_test"`
	Reason         string          `json:"reason"`
	Comment        string          `json:"comment"`
}

func parseGateVerdict(raw string) (*gateVerdict, error) {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return nil, fmt.Errorf("runner: agent did not produce a JSON verdict. Output:\n%s", truncate(raw, 500))
	}
	var v gateVerdict
	if err := json.Unmarshal([]byte(jsonStr), &v); err != nil {
		return nil, fmt.Errorf("runner: parse agent verdict: %w\nRaw: %s", err, truncate(jsonStr, 500))
	}
	v.Verdict = strings.ToLower(strings.TrimSpace(v.Verdict))
	return &v, nil
}

// acceptanceLines decodes the acceptance_test field into lines.
func (v *gateVerdict) acceptanceLines() []string {
	if len(v.AcceptanceTest) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(v.AcceptanceTest, &single); err == nil {
		if s := strings.TrimSpace(single); s != "" {
			return []string{s}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(v.AcceptanceTest, &many); err == nil {
		out := make([]string, 0, len(many))
		for _, s := range many {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// reasonText picks the agent's explanation, whichever field it used.
func (v *gateVerdict) reasonText() string {
	if r := strings.TrimSpace(v.Reason); r != "" {
		return r
	}
	if c := strings.TrimSpace(v.Comment); c != "" {
		return c
	}
	return "no reason given"
}

// extractJSON finds the first JSON object in text, preferring fenced
// blocks since agents often wrap their answer in markdown.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if end := strings.Index(text[start:], "```"); end >= 0 {
			return strings.TrimSpace(text[start : start+end])
		}
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		start := idx + 3
		// Skip an optional language tag on the fence line.
		if nl := strings.Index(text[start:], "\n"); nl >= 0 {
			start += nl + 1
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" && candidate[0] == '{' {
				return candidate
			}
		}
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... [truncated]"
}
