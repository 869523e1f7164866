package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var (
	paragraphTags  = regexp.MustCompile(`<p>(.*?)</p>`)
	codeBlockTags  = regexp.MustCompile(`<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	anyTag         = regexp.MustCompile(`</?([a-zA-Z]+)(?:\s[^>]*)?>`)
	tagName        = regexp.MustCompile(`</?([a-zA-Z]+)`)
	excessNewlines = regexp.MustCompile(`\n{3,}`)
)

// Telegram only renders a small HTML subset; everything else is
// stripped, keeping the inner text.
var supportedTags = map[string]bool{
	"b": true, "i": true, "u": true, "s": true,
	"code": true, "pre": true, "a": true, "br": true,
}

// ToTelegramHTML renders generated markdown into the HTML subset
// Telegram accepts.
func ToTelegramHTML(src string) string {
	if src == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(src), blackfriday.WithExtensions(blackfriday.CommonExtensions)))

	html = paragraphTags.ReplaceAllString(html, "$1\n")
	html = codeBlockTags.ReplaceAllString(html, "<pre>$1</pre>")

	replacer := strings.NewReplacer(
		"<strong>", "<b>", "</strong>", "</b>",
		"<em>", "<i>", "</em>", "</i>",
		"<ul>", "", "</ul>", "",
		"<ol>", "", "</ol>", "",
		"<li>", "• ", "</li>", "\n",
	)
	html = replacer.Replace(html)

	html = anyTag.ReplaceAllStringFunc(html, func(match string) string {
		m := tagName.FindStringSubmatch(match)
		if len(m) > 1 && supportedTags[m[1]] {
			return match
		}
		return ""
	})

	html = excessNewlines.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
