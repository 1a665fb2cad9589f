package command

import "github.com/kvloop/kvloop/resp"

// globMatch implements the small glob-style matcher KEYS, PSUBSCRIBE,
// and PUBSUB CHANNELS use: `*` (any run, including empty), `?` (exactly
// one byte), `[...]` character classes, and backslash escapes.
func globMatch(pattern, s string) bool {
	return globMatchBytes([]byte(pattern), []byte(s))
}

func globMatchBytes(pattern, s []byte) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatchBytes(pattern[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			s = s[1:]
			pattern = pattern[1:]
		case '[':
			if len(s) == 0 {
				return false
			}
			end := indexByte(pattern[1:], ']')
			if end < 0 {
				return matchLiteral(pattern, s)
			}
			class := pattern[1 : 1+end]
			if !matchClass(class, s[0]) {
				return false
			}
			s = s[1:]
			pattern = pattern[2+end:]
		case '\\':
			if len(pattern) >= 2 {
				if len(s) == 0 || s[0] != pattern[1] {
					return false
				}
				s = s[1:]
				pattern = pattern[2:]
				continue
			}
			return matchLiteral(pattern, s)
		default:
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}
			s = s[1:]
			pattern = pattern[1:]
		}
	}
	return len(s) == 0
}

func matchLiteral(pattern, s []byte) bool {
	if len(s) == 0 || s[0] != pattern[0] {
		return false
	}
	return globMatchBytes(pattern[1:], s[1:])
}

func matchClass(class []byte, c byte) bool {
	negate := false
	if len(class) > 0 && class[0] == '^' {
		negate = true
		class = class[1:]
	}
	found := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if class[i] <= c && c <= class[i+2] {
				found = true
			}
			i += 2
			continue
		}
		if class[i] == c {
			found = true
		}
	}
	return found != negate
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func writeBulkArray(ctx *Context, items [][]byte) error {
	return resp.WriteBulkStringArray(ctx.Out, items)
}
