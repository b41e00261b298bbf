package session

import "strings"

// sanitizeConsoleOutput normalizes a raw engine console-stream record into
// plain text for the client console. Records look like ~"text\n": a leading
// type marker, wrapping quotes, and backslash escape sequences.
//
// Escaped line-break and tab sequences are deleted outright rather than
// converted to the control characters they name; the tests pin this exact
// substitution rule. A single real newline is appended per record instead.
func sanitizeConsoleOutput(raw string) string {
	text := strings.TrimPrefix(raw, "~")

	if len(text) >= 2 && text[0] == '"' && text[len(text)-1] == '"' {
		text = text[1 : len(text)-1]
	}

	for _, seq := range []string{`\n`, `\r`, `\t`, `\v`} {
		text = strings.ReplaceAll(text, seq, "")
	}
	text = strings.ReplaceAll(text, `\"`, `"`)
	text = strings.ReplaceAll(text, `\\`, `\`)

	return text + "\n"
}
