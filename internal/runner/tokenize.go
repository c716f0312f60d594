package runner

import (
	"strings"
	"unicode"
)

const escapeChar = '\\'

// SplitFlags breaks s into whitespace-separated tokens. A backslash passes
// the following character through literally, so "a\ b" is one token.
func SplitFlags(s string) []string {
	var (
		out []string
		tok strings.Builder
	)
	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		switch ch := rs[i]; {
		case unicode.IsSpace(ch):
			if tok.Len() > 0 {
				out = append(out, tok.String())
				tok.Reset()
			}
		case ch == escapeChar:
			i++
			if i < len(rs) {
				tok.WriteRune(rs[i])
			}
		default:
			tok.WriteRune(ch)
		}
	}
	if tok.Len() > 0 {
		out = append(out, tok.String())
	}
	return out
}

// EnvVar is one entry of an environment overlay. Unset marks the variable
// for removal from the inherited environment.
type EnvVar struct {
	Name  string
	Value string
	Unset bool
}

// ParseEnvironment tokenizes s like SplitFlags and reads each token as
// NAME=value. A bare NAME yields an Unset entry. Only the first '=' splits,
// and an escaped '=' belongs to the name.
func ParseEnvironment(s string) []EnvVar {
	var (
		out     []EnvVar
		tok     strings.Builder
		name    string
		hasName bool
	)
	flush := func() {
		switch {
		case hasName:
			out = append(out, EnvVar{Name: name, Value: tok.String()})
		case tok.Len() > 0:
			out = append(out, EnvVar{Name: tok.String(), Unset: true})
		}
		tok.Reset()
		name, hasName = "", false
	}

	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		switch ch := rs[i]; {
		case unicode.IsSpace(ch):
			flush()
		case ch == escapeChar:
			i++
			if i < len(rs) {
				tok.WriteRune(rs[i])
			}
		case ch == '=' && !hasName:
			name, hasName = tok.String(), true
			tok.Reset()
		default:
			tok.WriteRune(ch)
		}
	}
	flush()
	return out
}
