package session

import (
	"regexp"
	"strings"
)

// decodeText converts raw pipe bytes to a string, dropping undecodable
// byte sequences. Guest consoles occasionally emit garbage during boot.
func decodeText(b []byte) string {
	return strings.ToValidUTF8(string(b), "")
}

// lineBuffer splits an incoming byte stream into newline-delimited records,
// retaining the trailing partial line between feeds.
type lineBuffer struct {
	pending string
}

// feed appends data and returns every completed line. The trailing partial
// line stays buffered.
func (b *lineBuffer) feed(data string) []string {
	b.pending += data
	if !strings.Contains(b.pending, "\n") {
		return nil
	}
	parts := strings.Split(b.pending, "\n")
	b.pending = parts[len(parts)-1]
	return parts[:len(parts)-1]
}

// takePartial returns and clears the buffered partial line, if any.
// Used to flush slow producers that never send a real newline.
func (b *lineBuffer) takePartial() (string, bool) {
	if b.pending == "" {
		return "", false
	}
	p := b.pending
	b.pending = ""
	return p, true
}

// consoleCodeRE matches ANSI CSI/OSC sequences, charset selections and
// stray control bytes (newline excluded).
var consoleCodeRE = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)|\x1b[()][0-9A-B]|[\x00-\x08\x0b-\x1f]`)

// stripConsoleCodes removes terminal escape sequences and control characters
// from captured output, keeping newlines.
func stripConsoleCodes(s string) string {
	return consoleCodeRE.ReplaceAllString(s, "")
}

// lastNonEmptyLine returns the last line of text that is not blank after
// trimming trailing whitespace, or "" if there is none.
func lastNonEmptyLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimRight(lines[i], " \t\r"); l != "" {
			return l
		}
	}
	return ""
}

// splitLines splits text into lines with trailing carriage returns removed.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}
