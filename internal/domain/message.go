package domain

import "strings"

// DefaultMaxSegmentChars is the largest text block a single segment may carry.
const DefaultMaxSegmentChars = 3000

// OptionButton is a rendered option: what the user sees and the token that
// comes back when it is clicked.
type OptionButton struct {
	Label string
	Token string
}

// OutboundMessage is the platform-neutral reply for one turn.
type OutboundMessage struct {
	Segments []string
	Options  []OptionButton
}

// IsEmpty reports whether there is nothing to post.
func (m OutboundMessage) IsEmpty() bool {
	return len(m.Segments) == 0 && len(m.Options) == 0
}

// TextMessage wraps plain text as a single-segment message.
func TextMessage(text string) OutboundMessage {
	return OutboundMessage{Segments: SplitSegments(text, DefaultMaxSegmentChars)}
}

// NewOutboundMessage builds the reply for a dialogue turn. Each text is split
// into segments of at most maxChars characters; options keep their order.
func NewOutboundMessage(turn DialogueTurn, maxChars int) OutboundMessage {
	if maxChars <= 0 {
		maxChars = DefaultMaxSegmentChars
	}
	var msg OutboundMessage
	for _, text := range turn.Texts {
		msg.Segments = append(msg.Segments, SplitSegments(text, maxChars)...)
	}
	for _, opt := range turn.Options {
		msg.Options = append(msg.Options, OptionButton{Label: opt.Label, Token: opt.Index})
	}
	return msg
}

// SplitSegments cuts text into consecutive chunks of at most maxChars
// characters. Blank text yields no segments.
func SplitSegments(text string, maxChars int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxSegmentChars
	}
	runes := []rune(text)
	out := make([]string, 0, len(runes)/maxChars+1)
	for start := 0; start < len(runes); start += maxChars {
		end := min(start+maxChars, len(runes))
		out = append(out, string(runes[start:end]))
	}
	return out
}
