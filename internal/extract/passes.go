package extract

import (
	"regexp"
	"strings"
)

// StripFences returns the body of the first markdown code fence that holds
// an object, dropping an optional language tag. When no fence body contains
// '{' the first body is used. Text without a fence is returned unchanged.
func StripFences(s string) string {
	bodies := fenceBodies(s)
	if len(bodies) == 0 {
		return s
	}
	for _, body := range bodies {
		if strings.Contains(body, "{") {
			return body
		}
	}
	return bodies[0]
}

// fenceBodies lists the trimmed bodies of every fence in s. An unclosed
// final fence runs to the end of the text.
func fenceBodies(s string) []string {
	var bodies []string
	for {
		start := strings.Index(s, "```")
		if start < 0 {
			return bodies
		}
		body := s[start+3:]
		end := strings.Index(body, "```")
		if nl := strings.IndexByte(body, '\n'); nl >= 0 && (end < 0 || nl < end) {
			if tag := strings.TrimSpace(body[:nl]); !strings.ContainsAny(tag, "{[") {
				body = body[nl+1:]
				if end >= 0 {
					end -= nl + 1
				}
			}
		}
		if end < 0 {
			return append(bodies, strings.TrimSpace(body))
		}
		bodies = append(bodies, strings.TrimSpace(body[:end]))
		s = body[end+3:]
	}
}

// StripComments removes // line comments and /* */ block comments that sit
// outside string literals. A "//" directly after ':' is left alone so bare
// URLs survive.
func StripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			b.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
			b.WriteByte(ch)
			continue
		}
		if ch == '/' && i+1 < len(s) {
			switch s[i+1] {
			case '/':
				if i > 0 && s[i-1] == ':' {
					break
				}
				for i < len(s) && s[i] != '\n' {
					i++
				}
				if i < len(s) {
					b.WriteByte('\n')
				}
				continue
			case '*':
				end := strings.Index(s[i+2:], "*/")
				if end < 0 {
					return b.String()
				}
				i += 2 + end + 1
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// RemoveTrailingCommas drops commas that directly precede a closing brace or
// bracket.
func RemoveTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			b.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
		}
		if ch == ',' {
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// EscapeControlChars escapes raw newlines, carriage returns and tabs inside
// string literals and drops any other control character found there.
func EscapeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inString {
			if ch == '"' {
				inString = true
			}
			b.WriteByte(ch)
			continue
		}
		switch {
		case escaped:
			escaped = false
			b.WriteByte(ch)
		case ch == '\\':
			escaped = true
			b.WriteByte(ch)
		case ch == '"':
			inString = false
			b.WriteByte(ch)
		case ch == '\n':
			b.WriteString(`\n`)
		case ch == '\r':
			b.WriteString(`\r`)
		case ch == '\t':
			b.WriteString(`\t`)
		case ch < 0x20:
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// scanState is the result of a string-aware bracket scan.
type scanState struct {
	end       int // index just past the balanced object, or -1
	inString  bool
	stack     []byte
	lastComma int // last comma outside strings, or -1
	mismatch  bool
}

func scan(s string) scanState {
	st := scanState{end: -1, lastComma: -1}
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if st.inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				st.inString = false
			}
			continue
		}
		switch ch {
		case '"':
			st.inString = true
		case ',':
			st.lastComma = i
		case '{':
			st.stack = append(st.stack, '}')
		case '[':
			st.stack = append(st.stack, ']')
		case '}', ']':
			if len(st.stack) == 0 || st.stack[len(st.stack)-1] != ch {
				st.mismatch = true
				return st
			}
			st.stack = st.stack[:len(st.stack)-1]
			if len(st.stack) == 0 {
				st.end = i + 1
				return st
			}
		}
	}
	return st
}

// maxCandidates bounds how many '{' positions IsolateObject tries.
const maxCandidates = 32

// IsolateObject returns the first balanced {...} span that parses, trying
// successive '{' positions so braces in leading prose are skipped. Spans
// nested in an earlier candidate are not tried. When none parses, the first
// candidate is returned for the later passes to repair.
func IsolateObject(s string) string {
	var first string
	found := false
	off := 0
	for tries := 0; tries < maxCandidates; tries++ {
		i := strings.IndexByte(s[off:], '{')
		if i < 0 {
			break
		}
		start := off + i
		cand, next := isolateFrom(s[start:])
		if parseable(cand) {
			return cand
		}
		if !found {
			first, found = cand, true
		}
		if next <= 0 {
			break
		}
		off = start + next
	}
	if !found {
		return s
	}
	return first
}

// isolateFrom isolates the object opening at s[0]. next is the offset to
// resume the search from, or -1 when the candidate runs to the end of s.
// Truncated output has its open string and brackets closed; when the tail
// is an incomplete member it is cut back to the previous comma.
func isolateFrom(s string) (cand string, next int) {
	st := scan(s)
	if st.end > 0 {
		return s[:st.end], st.end
	}
	if st.mismatch {
		return s, 1
	}

	closed := closeTruncated(s, st)
	if parseable(closed) {
		return closed, -1
	}
	// drop incomplete trailing members one at a time
	for tries := 0; tries < 3 && st.lastComma > 0; tries++ {
		s = s[:st.lastComma]
		st = scan(s)
		if st.mismatch || st.end > 0 {
			break
		}
		closed = closeTruncated(s, st)
		if parseable(closed) {
			return closed, -1
		}
	}
	return closed, -1
}

func closeTruncated(s string, st scanState) string {
	var b strings.Builder
	b.WriteString(s)
	if st.inString {
		b.WriteByte('"')
	}
	out := strings.TrimRightFunc(b.String(), func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\r' || r == '\t'
	})
	out = strings.TrimSuffix(out, ",")
	var tail strings.Builder
	for i := len(st.stack) - 1; i >= 0; i-- {
		tail.WriteByte(st.stack[i])
	}
	return out + tail.String()
}

func parseable(s string) bool {
	_, ok := parseObject(s)
	return ok
}

var (
	bareKey   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_\-]*)(\s*:)`)
	bareValue = regexp.MustCompile(`(:\s*)([A-Za-z][^,}\]\n"]*?)(\s*[,}\]\n])`)
)

var literals = map[string]bool{"true": true, "false": true, "null": true}

// QuoteKeys wraps bare object keys in double quotes.
func QuoteKeys(s string) string {
	return outsideStrings(s, func(seg string) string {
		return bareKey.ReplaceAllString(seg, `$1"$2"$3`)
	})
}

// QuoteValues wraps bare word values in double quotes, leaving true, false
// and null alone.
func QuoteValues(s string) string {
	return outsideStrings(s, func(seg string) string {
		return bareValue.ReplaceAllStringFunc(seg, func(m string) string {
			sub := bareValue.FindStringSubmatch(m)
			word := strings.TrimSpace(sub[2])
			if literals[word] {
				return m
			}
			return sub[1] + `"` + word + `"` + sub[3]
		})
	})
}

// outsideStrings applies fn to every segment of s that is not inside a
// string literal.
func outsideStrings(s string, fn func(string) string) string {
	var b strings.Builder
	b.Grow(len(s))

	segStart := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
				b.WriteString(s[segStart : i+1])
				segStart = i + 1
			}
			continue
		}
		if ch == '"' {
			b.WriteString(fn(s[segStart:i]))
			segStart = i
			inString = true
		}
	}
	if inString {
		b.WriteString(s[segStart:])
	} else {
		b.WriteString(fn(s[segStart:]))
	}
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}
