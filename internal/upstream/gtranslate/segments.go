package gtranslate

import (
	"strings"
	"unicode"
)

// MaxSegmentRunes is the longest text the endpoint accepts per request.
const MaxSegmentRunes = 100

// Segments splits text into pieces of at most MaxSegmentRunes runes.
// It prefers sentence and clause punctuation, then whitespace, and only cuts
// inside a word when a single word is too long. Adjacent short pieces are
// merged so as few requests as possible are made.
func Segments(text string) []string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}

	var pieces []string
	for _, clause := range splitAfterPunct(text) {
		pieces = append(pieces, fitClause(clause)...)
	}
	return merge(pieces)
}

func isBreak(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ';', ':', '…', '。', '、', '，', '！', '？', '；', '：', '¿', '¡', '—', '–':
		return true
	}
	return false
}

func splitAfterPunct(text string) []string {
	var out []string
	var current []rune
	for _, r := range text {
		current = append(current, r)
		if isBreak(r) {
			if s := strings.TrimSpace(string(current)); s != "" {
				out = append(out, s)
			}
			current = current[:0]
		}
	}
	if s := strings.TrimSpace(string(current)); s != "" {
		out = append(out, s)
	}
	return out
}

func fitClause(clause string) []string {
	if runeLen(clause) <= MaxSegmentRunes {
		return []string{clause}
	}

	var out []string
	var line strings.Builder
	lineLen := 0
	flush := func() {
		if lineLen > 0 {
			out = append(out, line.String())
			line.Reset()
			lineLen = 0
		}
	}

	for _, word := range strings.FieldsFunc(clause, unicode.IsSpace) {
		for _, part := range hardSplit(word) {
			n := runeLen(part)
			if lineLen > 0 && lineLen+1+n > MaxSegmentRunes {
				flush()
			}
			if lineLen > 0 {
				line.WriteByte(' ')
				lineLen++
			}
			line.WriteString(part)
			lineLen += n
		}
	}
	flush()
	return out
}

func hardSplit(word string) []string {
	runes := []rune(word)
	if len(runes) <= MaxSegmentRunes {
		return []string{word}
	}
	var out []string
	for len(runes) > 0 {
		n := min(MaxSegmentRunes, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

func merge(pieces []string) []string {
	var out []string
	for _, p := range pieces {
		if last := len(out) - 1; last >= 0 && runeLen(out[last])+1+runeLen(p) <= MaxSegmentRunes {
			out[last] += " " + p
			continue
		}
		out = append(out, p)
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
