package lsp

import (
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

// ---------------------------------------------------------------------------
// Text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		text string
		pos  protocol.Position
		want string
	}{
		{`op("ad`, protocol.Position{Line: 0, Character: 6}, "ad"},
		{"pro", protocol.Position{Line: 0, Character: 3}, "pro"},
		{"", protocol.Position{Line: 0, Character: 0}, ""},
		{"first\nsecond\npush", protocol.Position{Line: 2, Character: 4}, "push"},
		{"hello", protocol.Position{Line: 0, Character: 0}, ""},
		{"single line", protocol.Position{Line: 5, Character: 0}, ""},
		{`op("stop_pro`, protocol.Position{Line: 0, Character: 40}, "stop_pro"},
	}
	for _, tc := range tests {
		if got := extractPrefix(tc.text, tc.pos); got != tc.want {
			t.Errorf("extractPrefix(%q, %v) = %q, want %q", tc.text, tc.pos, got, tc.want)
		}
	}
}

func TestExtractWord(t *testing.T) {
	tests := []struct {
		text string
		pos  protocol.Position
		want string
	}{
		{"hello world", protocol.Position{Line: 0, Character: 3}, "hello"},
		{"hello world", protocol.Position{Line: 0, Character: 5}, "hello"},
		{"hello world", protocol.Position{Line: 0, Character: 8}, "world"},
		{`op("push_base")`, protocol.Position{Line: 0, Character: 6}, "push_base"},
		{"first\nprocedure", protocol.Position{Line: 1, Character: 3}, "procedure"},
		{"", protocol.Position{Line: 0, Character: 0}, ""},
		{"single line", protocol.Position{Line: 5, Character: 0}, ""},
	}
	for _, tc := range tests {
		if got := extractWord(tc.text, tc.pos); got != tc.want {
			t.Errorf("extractWord(%q, %v) = %q, want %q", tc.text, tc.pos, got, tc.want)
		}
	}
}

func TestBoolPtr(t *testing.T) {
	if p := boolPtr(true); p == nil || !*p {
		t.Error("boolPtr(true) did not point at true")
	}
}

// ---------------------------------------------------------------------------
// Language features
// ---------------------------------------------------------------------------

func TestCompleteBuiltinsAndOpcodes(t *testing.T) {
	labels := func(prefix string) []string {
		var out []string
		for _, item := range complete(prefix) {
			out = append(out, item.Label)
		}
		return out
	}

	got := labels("pu")
	want := map[string]bool{"push": true, "push_base": true}
	for _, l := range got {
		delete(want, l)
	}
	if len(want) > 0 {
		t.Errorf("complete(pu) = %v, missing %v", got, want)
	}

	for _, l := range labels("POP_FLAGS") {
		if !strings.HasPrefix(l, "pop_flags") {
			t.Errorf("complete(POP_FLAGS) offered %q", l)
		}
	}
	if got := labels("zzz"); len(got) != 0 {
		t.Errorf("complete(zzz) = %v, want nothing", got)
	}
}

func TestHover(t *testing.T) {
	tests := []struct {
		word string
		want string
	}{
		{"procedure", "procedure(name, args=0, critical=False)"},
		{"add", "**ADD** `0x8039`"},
		{"push", "push(*values)"},
		{"signal_named", "SIGNAL_NAMED"},
	}
	for _, tc := range tests {
		h := hover(tc.word)
		if h == nil {
			t.Errorf("hover(%s) = nil", tc.word)
			continue
		}
		mc, ok := h.Contents.(protocol.MarkupContent)
		if !ok || !strings.Contains(mc.Value, tc.want) {
			t.Errorf("hover(%s) = %+v, want it to mention %q", tc.word, h.Contents, tc.want)
		}
	}
	if h := hover("nonsense"); h != nil {
		t.Errorf("hover(nonsense) = %+v, want nil", h)
	}
}

func TestDiagnose(t *testing.T) {
	if d := diagnose("ok.star", "procedure(\"main\")\nop(\"stop_program\")\n"); len(d) != 0 {
		t.Errorf("diagnostics for a valid script = %+v", d)
	}

	d := diagnose("bad.star", "procedure(\"main\")\n\nop(\"frobnicate\")\n")
	if len(d) != 1 {
		t.Fatalf("got %d diagnostics, want 1", len(d))
	}
	if d[0].Range.Start.Line != 2 {
		t.Errorf("diagnostic on line %d, want 2", d[0].Range.Start.Line)
	}
	if !strings.Contains(d[0].Message, "unknown opcode") {
		t.Errorf("message = %q", d[0].Message)
	}
}

func TestURIPath(t *testing.T) {
	if got := uriPath("file:///home/me/door.star"); got != "/home/me/door.star" {
		t.Errorf("uriPath = %q", got)
	}
	if got := uriPath("untitled:Untitled-1"); got != "untitled:Untitled-1" {
		t.Errorf("uriPath = %q", got)
	}
}
