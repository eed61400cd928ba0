package conversation

import "strings"

// Interrupt vocabulary matched against the live transcript while the
// assistant is speaking. A hit fades playback and discards the transcript.
var interruptWords = map[string]struct{}{
	"stop":   {},
	"cancel": {},
	"pause":  {},
	"quiet":  {},
	"shush":  {},
}

var approveKeywords = map[string]struct{}{
	"yes":      {},
	"yeah":     {},
	"approve":  {},
	"approved": {},
	"proceed":  {},
	"confirm":  {},
	"go ahead": {},
	"do it":    {},
}

var denyKeywords = map[string]struct{}{
	"no":     {},
	"nope":   {},
	"deny":   {},
	"denied": {},
	"reject": {},
	"don't":  {},
	"dont":   {},
}

func matchesInterrupt(text string) bool {
	for _, w := range strings.Fields(normalizeKeywordText(text)) {
		if _, ok := interruptWords[w]; ok {
			return true
		}
	}
	return false
}

// matchApproval tests a finalized segment against the approve/deny keyword
// sets. It matches whole utterances only, so "yes" approves but "yesterday was
// fine" falls through to normal commit processing.
func matchApproval(text string) (approved, ok bool) {
	norm := normalizeKeywordText(text)
	if _, hit := approveKeywords[norm]; hit {
		return true, true
	}
	if _, hit := denyKeywords[norm]; hit {
		return false, true
	}
	return false, false
}

func normalizeKeywordText(text string) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = strings.TrimRight(norm, ".!?,;:")
	return norm
}
