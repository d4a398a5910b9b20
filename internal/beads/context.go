package beads

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bead context travels inside the description as a YAML frontmatter fence,
// so the backing store needs no schema for it:
//
//	---
//	input_num: 42
//	---
//
//	free-form description text
//
// YAML is a superset of JSON, so JSON-shaped contexts parse unchanged.

const fenceLine = "---"

// ExtractContext splits a raw description into its context map and the
// plain description text. Descriptions without a well-formed fence come
// back untouched with a nil context.
func ExtractContext(raw string) (map[string]any, string) {
	if !strings.HasPrefix(raw, fenceLine+"\n") {
		return nil, raw
	}

	rest := raw[len(fenceLine)+1:]
	var block, tail string
	if i := strings.Index(rest, "\n"+fenceLine+"\n"); i >= 0 {
		block = rest[:i+1]
		tail = rest[i+1+len(fenceLine)+1:]
	} else if strings.HasSuffix(rest, "\n"+fenceLine) {
		block = strings.TrimSuffix(rest, "\n"+fenceLine)
	} else {
		return nil, raw
	}
	tail = strings.TrimPrefix(tail, "\n")

	var ctx map[string]any
	if err := yaml.Unmarshal([]byte(block), &ctx); err != nil || ctx == nil {
		return nil, raw
	}
	return ctx, tail
}

// EmbedContext recombines a context map and plain description into the
// fenced wire form. An empty context yields the plain text unchanged.
func EmbedContext(ctx map[string]any, plain string) (string, error) {
	if len(ctx) == 0 {
		return plain, nil
	}

	block, err := yaml.Marshal(ctx)
	if err != nil {
		return "", fmt.Errorf("encoding bead context: %w", err)
	}

	var b strings.Builder
	b.WriteString(fenceLine)
	b.WriteString("\n")
	b.Write(block)
	b.WriteString(fenceLine)
	if plain != "" {
		b.WriteString("\n\n")
		b.WriteString(plain)
	}
	return b.String(), nil
}
