package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var (
	codeBlockPattern = regexp.MustCompile(`(?s)<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	tagPattern       = regexp.MustCompile(`</?([a-zA-Z0-9]+)(?:\s[^>]*)?/?>`)
	newlinePattern   = regexp.MustCompile(`\n{3,}`)
)

// Tags a chat bubble may render; everything else is dropped
var supportedTags = map[string]bool{
	"b": true, "i": true, "s": true, "code": true, "pre": true, "a": true, "br": true,
	"p": true, "ul": true, "ol": true, "li": true, "blockquote": true,
}

// ToHTML converts a model reply written in markdown to bubble-safe HTML.
// Raw HTML in the reply is skipped rather than passed through.
func ToHTML(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	renderer := blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{
		Flags: blackfriday.SkipHTML | blackfriday.SkipImages | blackfriday.Safelink |
			blackfriday.NofollowLinks | blackfriday.NoreferrerLinks | blackfriday.HrefTargetBlank,
	})
	html := string(blackfriday.Run([]byte(markdown),
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
		blackfriday.WithRenderer(renderer)))

	return cleanHTML(html)
}

// cleanHTML narrows the rendered HTML to the supported tag set
func cleanHTML(html string) string {
	// Convert <strong> to <b>
	html = strings.ReplaceAll(html, "<strong>", "<b>")
	html = strings.ReplaceAll(html, "</strong>", "</b>")

	// Convert <em> to <i>
	html = strings.ReplaceAll(html, "<em>", "<i>")
	html = strings.ReplaceAll(html, "</em>", "</i>")

	// Convert <del> to <s>
	html = strings.ReplaceAll(html, "<del>", "<s>")
	html = strings.ReplaceAll(html, "</del>", "</s>")

	// Handle code blocks
	html = codeBlockPattern.ReplaceAllString(html, "<pre>$1</pre>")

	html = tagPattern.ReplaceAllStringFunc(html, func(match string) string {
		tag := tagPattern.FindStringSubmatch(match)
		if len(tag) > 1 && supportedTags[strings.ToLower(tag[1])] {
			return match
		}
		return ""
	})

	// Clean up extra newlines
	html = newlinePattern.ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
