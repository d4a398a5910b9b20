package formula

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// render substitutes {{name}} references from vars. Unknown references
// stay in place, which is what keeps {{steps.<id>.output.<path>}} intact
// for the piper.
func render(s string, vars map[string]string) string {
	if s == "" || len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// evalCondition decides whether a step runs. The condition arrives
// already rendered. Supported forms: the literals true and false, and a
// single == or != over dequoted operands. Anything else logs a warning
// and evaluates false, a reference that rendered empty included.
func evalCondition(cond string, logger *slog.Logger) bool {
	c := strings.TrimSpace(cond)
	switch c {
	case "true":
		return true
	case "false":
		return false
	}
	if i := strings.Index(c, "!="); i >= 0 {
		return dequote(c[:i]) != dequote(c[i+2:])
	}
	if i := strings.Index(c, "=="); i >= 0 {
		return dequote(c[:i]) == dequote(c[i+2:])
	}
	logger.Warn("unsupported condition treated as false", "condition", cond)
	return false
}

func dequote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// forItems expands a rendered for clause. A JSON array takes precedence;
// anything else splits on commas with blanks dropped.
func forItems(rendered string) []string {
	s := strings.TrimSpace(rendered)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(s), &arr); err == nil {
			items := make([]string, 0, len(arr))
			for _, it := range arr {
				items = append(items, stringifyItem(it))
			}
			return items
		}
	}
	parts := strings.Split(s, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

// stringifyItem turns a JSON array element into its loop binding value.
// Strings bind bare; everything else keeps its JSON form so an object
// item survives into templates.
func stringifyItem(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
