// Package textdiff renders line diffs of plist files for display.
package textdiff

import (
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// lineBase is the first rune used to stand in for a distinct line.
const lineBase = 0xF0000

// maxLines is the number of distinct lines that fit in the runes from
// lineBase up to utf8.MaxRune.
const maxLines = utf8.MaxRune - lineBase + 1

// Lines returns a line diff of from and to. Every line is prefixed with
// " " (unchanged), "-" (removed) or "+" (added) and ends in a newline.
// Identical inputs produce an empty string.
func Lines(from, to string) string {
	if from == to {
		return ""
	}

	var lines []string
	index := make(map[string]rune)
	encode := func(text string) ([]rune, bool) {
		var out []rune
		for _, line := range split(text) {
			r, ok := index[line]
			if !ok {
				if len(lines) == maxLines {
					return nil, false
				}
				r = rune(lineBase + len(lines))
				index[line] = r
				lines = append(lines, line)
			}
			out = append(out, r)
		}
		return out, true
	}
	a, okA := encode(from)
	b, okB := encode(to)
	if !okA || !okB {
		return replaceAll(from, to)
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMainRunes(a, b, false)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, r := range d.Text {
			sb.WriteString(prefix)
			sb.WriteString(lines[r-lineBase])
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// Stat counts added and removed lines between from and to.
func Stat(from, to string) (added, removed int) {
	for _, line := range strings.SplitAfter(Lines(from, to), "\n") {
		switch {
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

// replaceAll renders from as removed and to as added, for inputs with too
// many distinct lines to diff.
func replaceAll(from, to string) string {
	var sb strings.Builder
	for _, line := range split(from) {
		sb.WriteString("-")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	for _, line := range split(to) {
		sb.WriteString("+")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func split(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
