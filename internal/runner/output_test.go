package runner

import (
	"reflect"
	"strings"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "bare object",
			text: `{"summary": "done"}`,
			want: `{"summary": "done"}`,
		},
		{
			name: "json fence",
			text: "Here you go:\n```json\n{\"summary\": \"done\"}\n```\nthanks",
			want: `{"summary": "done"}`,
		},
		{
			name: "plain fence with language tag",
			text: "```javascript\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		{
			name: "prose around object",
			text: `I did the work. {"summary": "done", "output": {"n": 1}} Let me know.`,
			want: `{"summary": "done", "output": {"n": 1}}`,
		},
		{
			name: "nested braces",
			text: `{"a": {"b": {"c": 1}}} trailing`,
			want: `{"a": {"b": {"c": 1}}}`,
		},
		{
			name: "no json",
			text: "I could not complete the task.",
			want: "",
		},
		{
			name: "unbalanced braces",
			text: `{"a": 1`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.text); got != tt.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseWorkerReport(t *testing.T) {
	raw := "Work complete.\n```json\n{\"summary\": \"added endpoint\", \"output\": {\"port\": 8080}, \"acceptance_test_result\": \"curl passes\"}\n```"
	rep, err := parseWorkerReport(raw)
	if err != nil {
		t.Fatalf("parseWorkerReport: %v", err)
	}
	if rep.Summary != "added endpoint" {
		t.Errorf("Summary = %q", rep.Summary)
	}
	if !reflect.DeepEqual(rep.Output, map[string]any{"port": float64(8080)}) {
		t.Errorf("Output = %v", rep.Output)
	}
	if rep.AcceptanceTestResult != "curl passes" {
		t.Errorf("AcceptanceTestResult = %q", rep.AcceptanceTestResult)
	}
}

func TestParseWorkerReportRejectsJunk(t *testing.T) {
	if _, err := parseWorkerReport("segfault, no survivors"); err == nil {
		t.Fatal("want error for output without JSON")
	}
	if _, err := parseWorkerReport(`{"unrelated": true}`); err == nil {
		t.Fatal("want error for report with neither summary nor output")
	}
	if _, err := parseWorkerReport(`{"summary": 42}`); err == nil {
		t.Fatal("want error for mistyped summary")
	}
}

func TestParseGateVerdict(t *testing.T) {
	tests := []struct {
		name           string
		raw            string
		wantVerdict    string
		wantAcceptance []string
		wantReason     string
	}{
		{
			name:           "approve with single test",
			raw:            `{"verdict": "Approve", "acceptance_test": "go test ./...", "comment": "solid"}`,
			wantVerdict:    "approve",
			wantAcceptance: []string{"go test ./..."},
			wantReason:     "solid",
		},
		{
			name:           "approve with test list",
			raw:            `{"verdict": "approve", "acceptance_test": ["go test ./...", " make lint ", ""]}`,
			wantVerdict:    "approve",
			wantAcceptance: []string{"go test ./...", "make lint"},
			wantReason:     "no reason given",
		},
		{
			name:        "reject with reason",
			raw:         `{"verdict": "reject", "reason": "tests missing"}`,
			wantVerdict: "reject",
			wantReason:  "tests missing",
		},
		{
			name:        "fail falls back to comment",
			raw:         `{"verdict": "fail", "comment": "unsalvageable"}`,
			wantVerdict: "fail",
			wantReason:  "unsalvageable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseGateVerdict(tt.raw)
			if err != nil {
				t.Fatalf("parseGateVerdict: %v", err)
			}
			if v.Verdict != tt.wantVerdict {
				t.Errorf("Verdict = %q, want %q", v.Verdict, tt.wantVerdict)
			}
			if got := v.acceptanceLines(); !reflect.DeepEqual(got, tt.wantAcceptance) {
				t.Errorf("acceptanceLines() = %v, want %v", got, tt.wantAcceptance)
			}
			if got := v.reasonText(); got != tt.wantReason {
				t.Errorf("reasonText() = %q, want %q", got, tt.wantReason)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 600)
	got := truncate(long, 500)
	if len(got) >= 600 {
		t.Errorf("truncate left %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "[truncated]") {
		t.Errorf("truncate marker missing: %q", got[len(got)-20:])
	}
	if short := truncate("ok", 500); short != "ok" {
		t.Errorf("truncate mangled short string: %q", short)
	}
}
