package beads

import (
	"strings"
	"testing"
)

func TestEmbedExtractRoundTrip(t *testing.T) {
	ctx := map[string]any{
		"input_num": 42,
		"name":      "producer",
		"flag":      true,
	}

	embedded, err := EmbedContext(ctx, "Run the analysis step.")
	if err != nil {
		t.Fatalf("EmbedContext: %v", err)
	}
	if !strings.HasPrefix(embedded, "---\n") {
		t.Fatalf("embedded description missing fence: %q", embedded)
	}

	got, plain := ExtractContext(embedded)
	if plain != "Run the analysis step." {
		t.Errorf("plain = %q", plain)
	}
	if got["name"] != "producer" {
		t.Errorf("name = %v", got["name"])
	}
	if got["flag"] != true {
		t.Errorf("flag = %v", got["flag"])
	}
	switch n := got["input_num"].(type) {
	case int:
		if n != 42 {
			t.Errorf("input_num = %d, want 42", n)
		}
	case float64:
		if n != 42 {
			t.Errorf("input_num = %f, want 42", n)
		}
	default:
		t.Errorf("input_num decoded as %T, want a number", got["input_num"])
	}
}

func TestEmbedContextEmptyIsPlain(t *testing.T) {
	out, err := EmbedContext(nil, "just text")
	if err != nil {
		t.Fatalf("EmbedContext: %v", err)
	}
	if out != "just text" {
		t.Errorf("EmbedContext(nil) = %q", out)
	}
}

func TestExtractContextNoFence(t *testing.T) {
	ctx, plain := ExtractContext("plain description, no fence")
	if ctx != nil {
		t.Errorf("ctx = %v, want nil", ctx)
	}
	if plain != "plain description, no fence" {
		t.Errorf("plain = %q", plain)
	}
}

func TestExtractContextMalformedFence(t *testing.T) {
	// Unterminated fence: treat the whole thing as plain text.
	raw := "---\nkey: value\nno closing fence"
	ctx, plain := ExtractContext(raw)
	if ctx != nil {
		t.Errorf("ctx = %v, want nil for unterminated fence", ctx)
	}
	if plain != raw {
		t.Errorf("plain = %q, want original", plain)
	}

	// Broken YAML inside the fence: same fallback.
	raw = "---\n: : :\n---\ntext"
	ctx, plain = ExtractContext(raw)
	if ctx != nil {
		t.Errorf("ctx = %v, want nil for broken yaml", ctx)
	}
	if plain != raw {
		t.Errorf("plain = %q, want original", plain)
	}
}

func TestExtractContextNoBody(t *testing.T) {
	embedded, err := EmbedContext(map[string]any{"k": "v"}, "")
	if err != nil {
		t.Fatalf("EmbedContext: %v", err)
	}
	ctx, plain := ExtractContext(embedded)
	if ctx["k"] != "v" {
		t.Errorf("ctx = %v", ctx)
	}
	if plain != "" {
		t.Errorf("plain = %q, want empty", plain)
	}
}
