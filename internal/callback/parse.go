package callback

import (
	"strings"
	"unicode/utf8"
)

// RequestLine is the first line of an HTTP request.
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

// Path returns the target without its query component.
func (r RequestLine) Path() string {
	path, _, _ := strings.Cut(r.Target, "?")
	return path
}

// FirstLine returns the first line of a raw request without its line ending.
func FirstLine(request string) string {
	line, _, _ := strings.Cut(request, "\n")
	return strings.TrimSuffix(line, "\r")
}

// ParseRequestLine splits "METHOD target VERSION". It reports false when the
// line does not have exactly three space-separated parts.
func ParseRequestLine(line string) (RequestLine, bool) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return RequestLine{}, false
	}
	return RequestLine{Method: parts[0], Target: parts[1], Version: parts[2]}, true
}

// ParseQuery extracts the query parameters from a request line.
//
// The query is whatever follows the first '?' up to the next space, so a line
// without a version token yields nothing. Pairs are split on '&' and then on
// the first '='; pairs without '=' are dropped. Values are not percent-decoded.
// A repeated key keeps its last value.
func ParseQuery(requestLine string) map[string]string {
	params := make(map[string]string)

	_, query, found := strings.Cut(requestLine, "?")
	if !found {
		return params
	}
	query, _, found = strings.Cut(query, " ")
	if !found {
		return params
	}

	for _, pair := range strings.Split(query, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		params[key] = value
	}
	return params
}

// lossyString decodes b as UTF-8, replacing each maximal invalid subsequence
// with U+FFFD. Two stray bytes become two replacement characters, while a
// truncated multi-byte sequence becomes one.
func lossyString(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}

	var sb strings.Builder
	sb.Grow(len(b) + 8)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r != utf8.RuneError || size > 1 {
			sb.Write(b[:size])
			b = b[size:]
			continue
		}
		sb.WriteRune(utf8.RuneError)
		b = b[invalidPrefixLen(b):]
	}
	return sb.String()
}

// invalidPrefixLen returns how many bytes at the start of b form the longest
// prefix of some valid sequence, or 1 when the first byte cannot start one.
func invalidPrefixLen(b []byte) int {
	lo, hi := byte(0x80), byte(0xBF)
	var need int
	switch c := b[0]; {
	case c >= 0xC2 && c <= 0xDF:
		need = 1
	case c == 0xE0:
		need, lo = 2, 0xA0
	case c == 0xED:
		need, hi = 2, 0x9F
	case c >= 0xE1 && c <= 0xEF:
		need = 2
	case c == 0xF0:
		need, lo = 3, 0x90
	case c == 0xF4:
		need, hi = 3, 0x8F
	case c >= 0xF1 && c <= 0xF3:
		need = 3
	default:
		return 1
	}

	n := 1
	for ; n <= need && n < len(b); n++ {
		if b[n] < lo || b[n] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}
	return n
}
