package threading

import (
	"regexp"
	"strings"
)

// subjectPrefixPattern matches one leading list tag or reply/forward marker.
var subjectPrefixPattern = regexp.MustCompile(`^\s*(?:\[[^\]]*\]|(?i:re|fwd|fw)\s*:)\s*`)

// NormalizeSubject strips leading [tag] groups and re:/fwd:/fw: markers until none remain.
// Case of the remaining text is preserved. It is idempotent.
func NormalizeSubject(subject string) string {
	s := subject
	for {
		loc := subjectPrefixPattern.FindStringIndex(s)
		if loc == nil || loc[1] == 0 {
			break
		}
		s = s[loc[1]:]
	}
	return strings.TrimSpace(s)
}

// subjectKey is the comparison key used when merging roots by subject.
func subjectKey(subject string) string {
	return strings.ToLower(NormalizeSubject(subject))
}
