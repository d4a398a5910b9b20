package runner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/config"
	"github.com/citadel-dev/citadel/internal/formula"
)

// workerPrompt assembles the worker agent's instructions for one bead.
func workerPrompt(b *beads.Bead, agent config.Agent) string {
	var sb strings.Builder
	if frag := promptFragment(b, "worker"); frag != "" {
		sb.WriteString(frag)
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, "TASK: %s\n", b.Title)
	if d := strings.TrimSpace(b.Description); d != "" {
		fmt.Fprintf(&sb, "\nDESCRIPTION:\n%s\n", d)
	}
	if ctxJSON := contextJSON(b); ctxJSON != "" {
		fmt.Fprintf(&sb, "\nCONTEXT:\n%s\n", ctxJSON)
	}
	writeResources(&sb, b, agent)
	if len(agent.McpTools) > 0 {
		fmt.Fprintf(&sb, "\nTOOLS AVAILABLE: %s\n", strings.Join(agent.McpTools, ", "))
		sb.WriteString(`Invoke a tool by adding a "tool_calls" array to your JSON response: [{"tool": "<name>", "args": {...}}].` + "\n")
	}
	if at := strings.TrimSpace(b.AcceptanceTest); at != "" {
		fmt.Fprintf(&sb, "\nACCEPTANCE CRITERIA:\n%s\n", at)
	}

	sb.WriteString("\nOUTPUT FORMAT: You MUST respond with ONLY a JSON object (no markdown, no commentary) with this exact structure:\n")
	sb.WriteString(`{
  "summary": "one-line summary of the work you did",
  "output": {"key": "structured results for downstream steps"},
  "acceptance_test_result": "how you verified the work"
}
`)
	if schema := outputSchema(b); schema != "" {
		fmt.Fprintf(&sb, "\nThe \"output\" object MUST conform to this JSON Schema:\n%s\n", schema)
	}
	sb.WriteString("\nDo the work now.")
	return sb.String()
}

// gatekeeperPrompt assembles the review instructions for a bead in
// verify, including the output the worker submitted.
func gatekeeperPrompt(b *beads.Bead, submitted []byte, agent config.Agent) string {
	var sb strings.Builder
	if frag := promptFragment(b, "gatekeeper"); frag != "" {
		sb.WriteString(frag)
		sb.WriteString("\n\n")
	}

	sb.WriteString("You are the gatekeeper. Review the submitted work and decide its fate.\n")
	fmt.Fprintf(&sb, "\nTASK: %s\n", b.Title)
	if d := strings.TrimSpace(b.Description); d != "" {
		fmt.Fprintf(&sb, "\nDESCRIPTION:\n%s\n", d)
	}
	if len(submitted) > 0 {
		fmt.Fprintf(&sb, "\nSUBMITTED WORK:\n%s\n", string(submitted))
	} else {
		sb.WriteString("\nSUBMITTED WORK: none recorded.\n")
	}
	writeResources(&sb, b, agent)
	if at := strings.TrimSpace(b.AcceptanceTest); at != "" {
		fmt.Fprintf(&sb, "\nACCEPTANCE CRITERIA:\n%s\n", at)
	}

	sb.WriteString("\nOUTPUT FORMAT: You MUST respond with ONLY a JSON object (no markdown, no commentary) with this exact structure:\n")
	sb.WriteString(`{
  "verdict": "approve" | "reject" | "fail",
  "acceptance_test": "command(s) that verify the work, required for approve",
  "reason": "why, required for reject and fail"
}
`)
	sb.WriteString("\nApprove only work that genuinely satisfies the task. Reject sends the bead back for rework; fail abandons it.")
	return sb.String()
}

// promptFragment returns the per-role system prompt fragment a formula
// attached to the bead, if any.
func promptFragment(b *beads.Bead, role string) string {
	frags, ok := b.Context[formula.ContextKeyPrompts].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := frags[role].(string)
	return strings.TrimSpace(s)
}

// contextJSON renders the bead's caller-visible context. Reserved
// engine keys stay out of the prompt body.
func contextJSON(b *beads.Bead) string {
	if len(b.Context) == 0 {
		return ""
	}
	visible := make(map[string]any, len(b.Context))
	for k, v := range b.Context {
		if strings.HasPrefix(k, "_") {
			continue
		}
		visible[k] = v
	}
	if len(visible) == 0 {
		return ""
	}
	data, err := json.MarshalIndent(visible, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

// outputSchema renders the schema a formula step demanded for the
// bead's output, if any.
func outputSchema(b *beads.Bead) string {
	schema, ok := b.Context[formula.ContextKeyOutputSchema]
	if !ok {
		return ""
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

// writeResources lists the MCP resources available to the agent: the
// role's static configuration first, then whatever the formula attached
// to this bead.
func writeResources(sb *strings.Builder, b *beads.Bead, agent config.Agent) {
	var lines []string

	servers := make([]string, 0, len(agent.McpResources))
	for server := range agent.McpResources {
		servers = append(servers, server)
	}
	sort.Strings(servers)
	for _, server := range servers {
		for _, uri := range agent.McpResources[server] {
			lines = append(lines, server+": "+uri)
		}
	}

	if attached, ok := b.Context[formula.ContextKeyMCPResources].(map[string]any); ok {
		servers = servers[:0]
		for server := range attached {
			servers = append(servers, server)
		}
		sort.Strings(servers)
		for _, server := range servers {
			uris, ok := attached[server].([]any)
			if !ok {
				continue
			}
			for _, u := range uris {
				if s, ok := u.(string); ok {
					lines = append(lines, server+": "+s)
				}
			}
		}
	}

	if len(lines) == 0 {
		return
	}
	sb.WriteString("\nRESOURCES:\n")
	for _, l := range lines {
		fmt.Fprintf(sb, "- %s\n", l)
	}
}
