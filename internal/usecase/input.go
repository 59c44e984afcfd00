package usecase

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"dialogue-relay/internal/domain"
)

const (
	attachmentSkippedNote = "[Note: A file was not loaded properly and has been skipped.]"
	linkSkippedNote       = "[Note: A URL was not loaded properly and has been skipped.]"
)

var (
	mentionPattern = regexp.MustCompile(`<@[UW][A-Z0-9]+(?:\|[^>]*)?>`)
	// Platform link markup: <https://example.com> or <https://example.com|label>.
	wrappedLinkPattern = regexp.MustCompile(`<(https?://[^>|\s]+)(?:\|[^>]*)?>`)
	linkPattern        = regexp.MustCompile(`https?://[^\s<>]+`)
)

// stripFirstMention removes the first user mention token from text.
func stripFirstMention(text string) string {
	loc := mentionPattern.FindStringIndex(text)
	if loc == nil {
		return text
	}
	return text[:loc[0]] + text[loc[1]:]
}

// unwrapLinks replaces platform link markup with the bare URL.
func unwrapLinks(text string) string {
	return wrappedLinkPattern.ReplaceAllString(text, "$1")
}

// findLinks returns the distinct URLs in text in order of appearance.
func findLinks(text string) []string {
	matches := linkPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?)\"'")
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// cleanText normalizes the user's text for the dialogue service.
func cleanText(turn domain.InboundTurn) string {
	text := turn.Text
	if turn.Kind == domain.TurnMention {
		text = stripFirstMention(text)
	}
	return strings.TrimSpace(unwrapLinks(text))
}

// assembleInput combines the user's text with extracted attachment and link
// content. Each contribution goes on its own line; failed extractions leave
// a note in their place.
func assembleInput(ctx context.Context, x ContentExtractor, turn domain.InboundTurn, logger *slog.Logger) string {
	text := cleanText(turn)

	var b strings.Builder
	b.WriteString(text)
	for _, a := range turn.Attachments {
		content, err := x.Attachment(ctx, a)
		b.WriteByte('\n')
		if err != nil {
			logger.Warn("attachment extraction failed", "err", err, "file", a.Name, "file_type", a.FileType)
			b.WriteString(attachmentSkippedNote)
			continue
		}
		b.WriteString(content)
	}
	for _, link := range findLinks(text) {
		content, err := x.URL(ctx, link)
		b.WriteByte('\n')
		if err != nil {
			logger.Warn("link extraction failed", "err", err, "url", link)
			b.WriteString(linkSkippedNote)
			continue
		}
		b.WriteString(content)
	}
	return strings.TrimSpace(b.String())
}
