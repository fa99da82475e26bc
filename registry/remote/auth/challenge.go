package auth

import (
	"strings"
)

// Scheme is a WWW-Authenticate authentication scheme.
type Scheme int

// Supported schemes.
const (
	SchemeUnknown Scheme = iota
	SchemeBasic
	SchemeBearer
)

func (s Scheme) String() string {
	switch s {
	case SchemeBasic:
		return "Basic"
	case SchemeBearer:
		return "Bearer"
	default:
		return "Unknown"
	}
}

func parseSchemeName(s string) Scheme {
	switch strings.ToLower(s) {
	case "basic":
		return SchemeBasic
	case "bearer":
		return SchemeBearer
	default:
		return SchemeUnknown
	}
}

// Challenge is one parsed WWW-Authenticate challenge, e.g.
// Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:foo:pull".
type Challenge struct {
	Scheme Scheme
	Params map[string]string
}

// ParseChallenge parses the value of a single WWW-Authenticate header into
// its scheme and parameters, per RFC 7235.
func ParseChallenge(header string) Challenge {
	header = strings.TrimSpace(header)
	sp := strings.IndexByte(header, ' ')
	if sp < 0 {
		return Challenge{Scheme: parseSchemeName(header), Params: map[string]string{}}
	}
	scheme := parseSchemeName(header[:sp])
	params := parseAuthParams(strings.TrimSpace(header[sp+1:]))
	return Challenge{Scheme: scheme, Params: params}
}

// parseAuthParams parses a comma-separated list of key=value or
// key="quoted value" pairs.
func parseAuthParams(s string) map[string]string {
	params := map[string]string{}
	for len(s) > 0 {
		s = skipSpaceComma(s)
		if s == "" {
			break
		}
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]
		if s == "" {
			params[key] = ""
			break
		}
		var value string
		if s[0] == '"' {
			value, s = parseQuoted(s[1:])
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				value, s = s, ""
			} else {
				value, s = s[:end], s[end+1:]
			}
			value = strings.TrimSpace(value)
		}
		params[key] = value
	}
	return params
}

// parseQuoted consumes a double-quoted string (the opening quote already
// stripped) honoring backslash escapes, and returns the unescaped value
// along with whatever remains after the closing quote and its trailing
// comma, if any.
func parseQuoted(s string) (value string, rest string) {
	var b strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			b.WriteByte(s[i+1])
			i += 2
			continue
		}
		if c == '"' {
			i++
			break
		}
		b.WriteByte(c)
		i++
	}
	rest = s[i:]
	if j := strings.IndexByte(rest, ','); j >= 0 {
		rest = rest[j+1:]
	} else {
		rest = ""
	}
	return b.String(), rest
}

func skipSpaceComma(s string) string {
	return strings.TrimLeft(s, " \t,")
}
