package tools

import (
	"context"
	"fmt"
	"strconv"
)

// Tool names one agent-callable operation. The set is closed: Dispatch
// switches over every variant and anything else is rejected.
type Tool string

const (
	ToolEnqueueTask        Tool = "enqueue_task"
	ToolInstantiateFormula Tool = "instantiate_formula"
	ToolSubmitWork         Tool = "submit_work"
	ToolApproveWork        Tool = "approve_work"
	ToolRejectWork         Tool = "reject_work"
	ToolFailWork           Tool = "fail_work"
	ToolDelegateTask       Tool = "delegate_task"
)

// All lists every tool an agent may call.
var All = []Tool{
	ToolEnqueueTask,
	ToolInstantiateFormula,
	ToolSubmitWork,
	ToolApproveWork,
	ToolRejectWork,
	ToolFailWork,
	ToolDelegateTask,
}

// Result is the uniform response shape sent back to agents.
type Result map[string]any

func failure(err error) Result {
	return Result{"success": false, "error": err.Error()}
}

// Dispatch executes a named tool with JSON-decoded arguments. Failures
// come back inside the Result; Dispatch never raises into the agent.
func (t *Toolset) Dispatch(ctx context.Context, tool Tool, args map[string]any) Result {
	switch tool {
	case ToolEnqueueTask:
		ticketID, err := t.EnqueueTask(ctx,
			argString(args, "beadId"),
			argPriority(args, "priority", 2),
			argString(args, "targetRole"),
			argString(args, "reasoning"))
		if err != nil {
			return failure(err)
		}
		return Result{"success": true, "ticketId": ticketID}

	case ToolInstantiateFormula:
		mol, err := t.InstantiateFormula(ctx,
			argString(args, "formulaName"),
			argStringMap(args, "variables"),
			argString(args, "parentContextId"))
		if err != nil {
			return failure(err)
		}
		return Result{"success": true, "moleculeId": mol.RootID}

	case ToolSubmitWork:
		status, err := t.SubmitWork(ctx,
			argString(args, "beadId"),
			argString(args, "summary"),
			argObject(args, "output"),
			argString(args, "acceptance_test_result"))
		if err != nil {
			return failure(err)
		}
		// status doubles as message so both result spellings agents
		// expect are present.
		return Result{"success": true, "status": status, "message": status}

	case ToolApproveWork:
		err := t.ApproveWork(ctx,
			argString(args, "beadId"),
			argStringList(args, "acceptance_test"),
			argString(args, "comment"))
		if err != nil {
			return failure(err)
		}
		return Result{"success": true}

	case ToolRejectWork:
		if err := t.RejectWork(ctx, argString(args, "beadId"), argString(args, "reason")); err != nil {
			return failure(err)
		}
		return Result{"success": true}

	case ToolFailWork:
		if err := t.FailWork(ctx, argString(args, "beadId"), argString(args, "reason")); err != nil {
			return failure(err)
		}
		return Result{"success": true}

	case ToolDelegateTask:
		beadID, err := t.DelegateTask(ctx,
			argString(args, "parentBeadId"),
			argString(args, "title"),
			argPriority(args, "priority", 2),
			argString(args, "description"),
			argStringList(args, "tags"))
		if err != nil {
			return failure(err)
		}
		return Result{"success": true, "beadId": beadID}
	}

	return failure(fmt.Errorf("unknown tool %q", tool))
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// argPriority reads an integer priority, tolerating JSON's float64
// decoding. Absent keys fall back to def; malformed values return -1 so
// range validation rejects them loudly.
func argPriority(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case nil:
		return def
	case float64:
		return int(v)
	case int:
		return v
	}
	return -1
}

func argObject(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

// argStringMap reads a map of string values, stringifying numeric
// values so formula variables survive lax agent encodings.
func argStringMap(args map[string]any, key string) map[string]string {
	src, ok := args[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

// argStringList accepts either a single string or a list of strings.
func argStringList(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}
