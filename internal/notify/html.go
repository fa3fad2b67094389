package notify

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML removes markup from message content and unescapes entities.
// Block-level boundaries become single spaces; runs of whitespace collapse.
func StripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseSpace(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if isBreakTag(string(name)) {
				b.WriteByte(' ')
			}
		}
	}
}

func isBreakTag(name string) bool {
	switch name {
	case "br", "p", "div", "li", "tr", "blockquote":
		return true
	}
	return false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
