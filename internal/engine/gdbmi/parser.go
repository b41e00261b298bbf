// Package gdbmi drives a GDB-compatible debugger through its MI2 machine
// interface over a subprocess pipe. It implements engine.Executor: commands
// are written with token prefixes and correlated with their result records;
// asynchronous exec records and console stream records become engine events.
package gdbmi

import (
	"fmt"
	"strconv"
	"strings"
)

type recordKind int

const (
	recordUnknown recordKind = iota
	recordPrompt
	recordResult
	recordExecAsync
	recordStatusAsync
	recordNotifyAsync
	recordConsoleStream
	recordTargetStream
	recordLogStream
)

// record is one parsed MI output line.
type record struct {
	kind recordKind

	// token correlates a result record with the command that caused it.
	// -1 when the record carries no token.
	token int

	// class is the result or async class, e.g. "done", "error", "stopped".
	class string

	// results holds the record's key=value payload. Values are string,
	// map[string]any (tuple) or []any (list).
	results map[string]any

	// stream is the raw line for stream records, marker and quoting intact.
	stream string
}

// parseRecord classifies and parses one line of MI output.
func parseRecord(line string) (record, error) {
	if line == "(gdb)" || line == "(gdb) " {
		return record{kind: recordPrompt}, nil
	}

	// Stream records never carry a token.
	switch {
	case strings.HasPrefix(line, "~"):
		return record{kind: recordConsoleStream, token: -1, stream: line}, nil
	case strings.HasPrefix(line, "@"):
		return record{kind: recordTargetStream, token: -1, stream: line}, nil
	case strings.HasPrefix(line, "&"):
		return record{kind: recordLogStream, token: -1, stream: line}, nil
	}

	token := -1
	rest := line
	if digits := leadingDigits(line); digits > 0 {
		parsed, parseErr := strconv.Atoi(line[:digits])
		if parseErr != nil {
			return record{}, fmt.Errorf("malformed token in %q: %w", line, parseErr)
		}
		token = parsed
		rest = line[digits:]
	}

	if rest == "" {
		return record{kind: recordUnknown, token: token}, nil
	}

	var kind recordKind
	switch rest[0] {
	case '^':
		kind = recordResult
	case '*':
		kind = recordExecAsync
	case '+':
		kind = recordStatusAsync
	case '=':
		kind = recordNotifyAsync
	default:
		return record{kind: recordUnknown, token: token, stream: line}, nil
	}

	class, results, parseErr := parseClassResults(rest[1:])
	if parseErr != nil {
		return record{}, fmt.Errorf("malformed record %q: %w", line, parseErr)
	}

	return record{kind: kind, token: token, class: class, results: results}, nil
}

func leadingDigits(s string) int {
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	return n
}

// parseClassResults parses `class(,key=value)*`.
func parseClassResults(s string) (string, map[string]any, error) {
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return s, nil, nil
	}

	class := s[:comma]
	results, parseErr := parseResults(s[comma+1:])
	if parseErr != nil {
		return "", nil, parseErr
	}
	return class, results, nil
}

// parseResults parses a comma-separated sequence of key=value pairs.
func parseResults(s string) (map[string]any, error) {
	results := make(map[string]any)
	pos := 0
	for pos < len(s) {
		key, value, next, parseErr := parsePair(s, pos)
		if parseErr != nil {
			return nil, parseErr
		}
		results[key] = value
		pos = next
		if pos < len(s) {
			if s[pos] != ',' {
				return nil, fmt.Errorf("expected ',' at offset %d", pos)
			}
			pos++
		}
	}
	return results, nil
}

func parsePair(s string, pos int) (string, any, int, error) {
	eq := strings.IndexByte(s[pos:], '=')
	if eq < 0 {
		return "", nil, 0, fmt.Errorf("expected '=' after offset %d", pos)
	}
	key := s[pos : pos+eq]
	value, next, parseErr := parseValue(s, pos+eq+1)
	if parseErr != nil {
		return "", nil, 0, parseErr
	}
	return key, value, next, nil
}

// parseValue parses a c-string, tuple or list starting at pos.
func parseValue(s string, pos int) (any, int, error) {
	if pos >= len(s) {
		return nil, 0, fmt.Errorf("unexpected end of record at offset %d", pos)
	}

	switch s[pos] {
	case '"':
		return parseCString(s, pos)
	case '{':
		return parseTuple(s, pos)
	case '[':
		return parseList(s, pos)
	default:
		return nil, 0, fmt.Errorf("unexpected value start %q at offset %d", s[pos], pos)
	}
}

func parseTuple(s string, pos int) (map[string]any, int, error) {
	tuple := make(map[string]any)
	pos++ // consume '{'
	for pos < len(s) && s[pos] != '}' {
		key, value, next, parseErr := parsePair(s, pos)
		if parseErr != nil {
			return nil, 0, parseErr
		}
		tuple[key] = value
		pos = next
		if pos < len(s) && s[pos] == ',' {
			pos++
		}
	}
	if pos >= len(s) {
		return nil, 0, fmt.Errorf("unterminated tuple")
	}
	return tuple, pos + 1, nil
}

// parseList parses a list. Elements may be plain values or key=value pairs
// (e.g. stack=[frame={...},frame={...}]); for pairs only the value is kept.
func parseList(s string, pos int) ([]any, int, error) {
	var list []any
	pos++ // consume '['
	for pos < len(s) && s[pos] != ']' {
		var elem any
		var parseErr error
		if s[pos] == '"' || s[pos] == '{' || s[pos] == '[' {
			elem, pos, parseErr = parseValue(s, pos)
		} else {
			_, elem, pos, parseErr = parsePair(s, pos)
		}
		if parseErr != nil {
			return nil, 0, parseErr
		}
		list = append(list, elem)
		if pos < len(s) && s[pos] == ',' {
			pos++
		}
	}
	if pos >= len(s) {
		return nil, 0, fmt.Errorf("unterminated list")
	}
	return list, pos + 1, nil
}

// parseCString parses a double-quoted MI string, converting escape
// sequences to the characters they name.
func parseCString(s string, pos int) (string, int, error) {
	var b strings.Builder
	pos++ // consume opening quote
	for pos < len(s) {
		c := s[pos]
		switch c {
		case '"':
			return b.String(), pos + 1, nil
		case '\\':
			if pos+1 >= len(s) {
				return "", 0, fmt.Errorf("truncated escape sequence")
			}
			pos++
			switch s[pos] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case 'v':
				b.WriteByte('\v')
			case 'f':
				b.WriteByte('\f')
			case 'a':
				b.WriteByte('\a')
			case 'b':
				b.WriteByte('\b')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				// Unknown escapes pass through unchanged.
				b.WriteByte('\\')
				b.WriteByte(s[pos])
			}
			pos++
		default:
			b.WriteByte(c)
			pos++
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

// resultString returns the string value for key, or "" when absent or not
// a string.
func resultString(results map[string]any, key string) string {
	v, ok := results[key].(string)
	if !ok {
		return ""
	}
	return v
}

// resultInt returns the integer value for key. MI encodes all numbers as
// strings.
func resultInt(results map[string]any, key string) (int, bool) {
	v, ok := results[key].(string)
	if !ok {
		return 0, false
	}
	n, convErr := strconv.Atoi(v)
	if convErr != nil {
		return 0, false
	}
	return n, true
}

func resultTuple(results map[string]any, key string) map[string]any {
	v, ok := results[key].(map[string]any)
	if !ok {
		return nil
	}
	return v
}

func resultList(results map[string]any, key string) []any {
	v, ok := results[key].([]any)
	if !ok {
		return nil
	}
	return v
}
