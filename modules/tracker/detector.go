package tracker

import "github.com/pmezard/go-difflib/difflib"

// Change is the classification of one edit against its cached snapshot.
type Change struct {
	TextChanged  bool
	MediaChanged bool
}

// Reportable reports whether the edit is worth forwarding.
func (c Change) Reportable() bool {
	return c.TextChanged || c.MediaChanged
}

// detectChange compares a cached snapshot against the replacement body of an
// edit. Text-only edits touching fewer than minChars characters are treated
// as noise.
func detectChange(cached Snapshot, newText string, newMedia *MediaSnapshot, minChars int) Change {
	change := Change{
		TextChanged:  cached.Text != newText,
		MediaChanged: !cached.Media.Equal(newMedia),
	}
	if change.TextChanged && !change.MediaChanged && changedChars(cached.Text, newText) < minChars {
		change.TextChanged = false
	}

	return change
}

// changedChars counts characters touched by an edit: the sum over non-equal
// LCS opcodes of the larger side. Text is compared per rune.
func changedChars(oldText, newText string) int {
	if oldText == newText {
		return 0
	}

	matcher := difflib.NewMatcher(splitRunes(oldText), splitRunes(newText))
	changed := 0
	for _, opCode := range matcher.GetOpCodes() {
		if opCode.Tag == 'e' {
			continue
		}
		changed += max(opCode.I2-opCode.I1, opCode.J2-opCode.J1)
	}

	return changed
}

func splitRunes(text string) []string {
	runes := make([]string, 0, len(text))
	for _, r := range text {
		runes = append(runes, string(r))
	}

	return runes
}
