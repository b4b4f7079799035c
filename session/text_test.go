package session

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLineBufferFeed(t *testing.T) {
	var lb lineBuffer

	if got := lb.feed("hel"); got != nil {
		t.Fatalf("feed of partial line returned %v, want nil", got)
	}
	got := lb.feed("lo\nworld\npar")
	if diff := cmp.Diff([]string{"hello", "world"}, got); diff != "" {
		t.Errorf("completed lines mismatch (-want +got):\n%s", diff)
	}

	partial, ok := lb.takePartial()
	if !ok || partial != "par" {
		t.Errorf("takePartial() = (%q, %v), want (%q, true)", partial, ok, "par")
	}
	if _, ok := lb.takePartial(); ok {
		t.Error("takePartial() on empty buffer reported data")
	}
}

func TestLineBufferTrailingNewline(t *testing.T) {
	var lb lineBuffer
	got := lb.feed("one\ntwo\n")
	if diff := cmp.Diff([]string{"one", "two"}, got); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
	if _, ok := lb.takePartial(); ok {
		t.Error("no partial expected after trailing newline")
	}
}

func TestStripConsoleCodes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello\nworld", "hello\nworld"},
		{"color", "\x1b[31mred\x1b[0m", "red"},
		{"cursor", "a\x1b[2Jb", "ab"},
		{"osc title", "\x1b]0;title\x07text", "text"},
		{"control bytes", "a\rb\x07c", "abc"},
		{"keeps newline", "a\r\nb", "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripConsoleCodes(tt.in); got != tt.want {
				t.Errorf("stripConsoleCodes(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"\n\n  \n", ""},
		{"one", "one"},
		{"one\ntwo\n", "two"},
		{"one\ntwo\n   \r\n", "two"},
		{"prompt $ ", "prompt $"},
	}
	for _, tt := range tests {
		if got := lastNonEmptyLine(tt.in); got != tt.want {
			t.Errorf("lastNonEmptyLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDecodeText(t *testing.T) {
	if got := decodeText([]byte("ok\xff\xfe!")); got != "ok!" {
		t.Errorf("decodeText dropped invalid bytes wrong: %q", got)
	}
}
