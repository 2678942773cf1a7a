package link

import (
	"regexp"
	"strings"
)

// shareLink matches a link up to the first whitespace, quote or angle
// bracket, which covers plain text, HTML and JSON subscription dumps.
var shareLink = regexp.MustCompile(`(?i)\b(?:vmess|vless)://[^\s"'<>]+`)

// Extract returns the vmess:// and vless:// links found in text, first
// occurrence wins. Trailing sentence punctuation is not part of a link.
// The links are not decoded; callers pass each one to Decode.
func Extract(text string) []string {
	seen := make(map[string]struct{})
	links := []string{}
	for _, m := range shareLink.FindAllString(text, -1) {
		m = strings.TrimRight(m, ".,;)\"")
		if _, dup := seen[m]; dup || m == "" {
			continue
		}
		seen[m] = struct{}{}
		links = append(links, m)
	}
	return links
}
