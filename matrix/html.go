package matrix

import (
	"strings"

	"golang.org/x/net/html"
)

// FlattenHTML reduces a formatted_body HTML fragment to plain text suitable
// for a PRIVMSG. Block-ish breaks collapse to single spaces.
func FlattenHTML(s string) string {
	tok := html.NewTokenizer(strings.NewReader(s))
	parts := []string{}
	for {
		switch tok.Next() {
		case html.TextToken:
			if text := strings.TrimSpace(string(tok.Text())); text != "" {
				parts = append(parts, text)
			}
		case html.ErrorToken:
			return strings.Join(parts, " ")
		}
	}
}
