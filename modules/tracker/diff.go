package tracker

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const diffContextLines = 3

// lineBreaks are the separators recognized when splitting message text into
// diff lines. "\r\n" is handled before the single-rune separators.
var lineBreaks = map[rune]bool{
	'\n':     true,
	'\r':     true,
	'\v':     true,
	'\f':     true,
	'\x1c':   true,
	'\x1d':   true,
	'\x1e':   true,
	'\u0085': true,
	'\u2028': true,
	'\u2029': true,
}

// splitLines splits text on any line break and terminates every line with
// "\n", so that line-ending differences alone never show up as changed lines.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}

	lines := make([]string, 0, strings.Count(text, "\n")+1)
	runes := []rune(text)
	start := 0
	for index := 0; index < len(runes); index++ {
		if !lineBreaks[runes[index]] {
			continue
		}
		lines = append(lines, string(runes[start:index])+"\n")
		if runes[index] == '\r' && index+1 < len(runes) && runes[index+1] == '\n' {
			index++
		}
		start = index + 1
	}
	if start < len(runes) {
		lines = append(lines, string(runes[start:])+"\n")
	}

	return lines
}

// lineDiff renders a unified diff of two message bodies without file headers.
// Hunk markers ("@@ -1 +1 @@") are kept. It returns nil when both bodies have
// the same lines.
func lineDiff(oldText, newText string) ([]string, error) {
	rendered, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:       splitLines(oldText),
		B:       splitLines(newText),
		Context: diffContextLines,
		Eol:     "\n",
	})
	if err != nil {
		return nil, fmt.Errorf("render line diff: %w", err)
	}
	if rendered == "" {
		return nil, nil
	}

	return strings.Split(strings.TrimSuffix(rendered, "\n"), "\n"), nil
}
