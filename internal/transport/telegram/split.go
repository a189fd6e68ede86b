package telegram

import "strings"

// maxRunes stays under Telegram's 4096 limit with room for entities.
const maxRunes = 4000

// chunk splits s into pieces of at most limit runes. A cut prefers the last
// newline in the back two thirds of a piece; in HTML mode it never lands
// inside a tag.
func chunk(s string, limit int, mode string) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(mode, "HTML")

	var out []string
	for len(rs) > 0 {
		if len(rs) <= limit {
			out = append(out, string(rs))
			break
		}
		cut := limit
		for i := limit - 1; i >= limit/3; i-- {
			if rs[i] == '\n' {
				cut = i + 1
				break
			}
		}
		if html {
			if open := lastOpenTag(rs[:cut]); open > 0 {
				cut = open
			}
		}
		out = append(out, strings.TrimRight(string(rs[:cut]), "\n"))
		rs = rs[cut:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}

// lastOpenTag returns the index of a '<' that is not closed in rs, or -1.
func lastOpenTag(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		switch rs[i] {
		case '>':
			return -1
		case '<':
			return i
		}
	}
	return -1
}
