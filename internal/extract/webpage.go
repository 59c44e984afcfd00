package extract

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// skippedTags hold no readable page text.
var skippedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"svg":      true,
	"iframe":   true,
	"head":     true,
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true,
	"blockquote": true, "pre": true, "table": true, "ul": true, "ol": true,
	"title": true,
}

// htmlText returns the visible text of an HTML document, one block per line.
func htmlText(data []byte) (string, error) {
	z := html.NewTokenizer(bytes.NewReader(data))

	var (
		lines   []string
		cur     strings.Builder
		skip    int
		title   string
		inTitle bool
	)
	flush := func() {
		if s := strings.Join(strings.Fields(cur.String()), " "); s != "" {
			lines = append(lines, s)
		}
		cur.Reset()
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return "", err
			}
			flush()
			if title != "" && (len(lines) == 0 || lines[0] != title) {
				lines = append([]string{title}, lines...)
			}
			return strings.Join(lines, "\n"), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			tag := tok.Data
			if tok.Type == html.StartTagToken {
				if tag == "title" {
					inTitle = true
				}
				if skippedTags[tag] {
					skip++
				}
			}
			if blockTags[tag] {
				flush()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "title" {
				inTitle = false
			}
			if skippedTags[tag] && skip > 0 {
				skip--
			}
			if blockTags[tag] {
				flush()
			}
		case html.TextToken:
			text := string(z.Text())
			if inTitle {
				title = strings.Join(strings.Fields(text), " ")
				continue
			}
			if skip == 0 {
				cur.WriteString(text)
				cur.WriteByte(' ')
			}
		}
	}
}
