package threading

import (
	"regexp"
	"strings"
)

// angleIDPattern matches a single <...> enclosed identifier.
var angleIDPattern = regexp.MustCompile(`<([^<>]*)>`)

// ParseReferences extracts Message-IDs from a References or In-Reply-To header value.
// Identifiers enclosed in angle brackets are returned in order with surrounding whitespace trimmed.
// When the value has no bracketed identifiers at all, it is split on whitespace instead
// and any stray brackets are stripped. Duplicates are preserved. Empty or garbage input
// returns an empty (non-nil) slice.
func ParseReferences(raw string) []string {
	ids := make([]string, 0)
	if strings.TrimSpace(raw) == "" {
		return ids
	}

	for _, match := range angleIDPattern.FindAllStringSubmatch(raw, -1) {
		id := strings.TrimSpace(match[1])
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		return ids
	}

	// Some clients emit bare ids without brackets.
	for _, field := range strings.Fields(raw) {
		id := strings.Trim(field, "<>")
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// NormalizeMessageID strips whitespace and enclosing angle brackets from a single Message-ID.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// NormalizeMessageIDs applies NormalizeMessageID to every id and drops the ones left empty.
func NormalizeMessageIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = NormalizeMessageID(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// referenceChain merges References and In-Reply-To into one ordered chain.
// In-Reply-To ids are appended only if References did not already contain them.
// Ids equal to self are dropped so a message never references itself.
func referenceChain(self string, references, inReplyTo []string) []string {
	chain := make([]string, 0, len(references)+len(inReplyTo))
	seen := make(map[string]bool, len(references)+len(inReplyTo))
	for _, id := range references {
		if id == "" || id == self || seen[id] {
			continue
		}
		seen[id] = true
		chain = append(chain, id)
	}
	for _, id := range inReplyTo {
		if id == "" || id == self || seen[id] {
			continue
		}
		seen[id] = true
		chain = append(chain, id)
	}
	return chain
}
