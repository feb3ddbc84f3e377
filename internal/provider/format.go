package provider

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

// SnippetLength is the maximum number of characters in a message snippet.
const SnippetLength = 200

// Snippet collapses whitespace and truncates text to SnippetLength characters.
func Snippet(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(s) <= SnippetLength {
		return s
	}
	return string([]rune(s)[:SnippetLength])
}

// FormatAddress formats an address as "Name <addr>" or just "addr".
func FormatAddress(address *mail.Address) string {
	if address == nil || address.Address == "" {
		return ""
	}

	if address.Name != "" {
		return fmt.Sprintf("%s <%s>", address.Name, address.Address)
	}

	return address.Address
}

func FormatAddressList(addresses []*mail.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if formatted := FormatAddress(address); formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}

// ParseAddressList parses a raw address header. An unparseable header is kept verbatim as the
// only entry.
func ParseAddressList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(raw)
	if err != nil {
		return []string{raw}
	}
	return FormatAddressList(list)
}
