package slack

import (
	"strconv"
	"unicode/utf8"

	slackapi "github.com/slack-go/slack"

	"dialogue-relay/internal/domain"
)

const (
	// OptionActionPrefix prefixes the action_id of every option button.
	OptionActionPrefix = "relay_option_"

	maxBlocksPerMessage = 50
	maxButtonsPerBlock  = 25
	maxButtonLabelChars = 75

	optionsFallbackText = "Select an option:"
)

// renderBlocks lays out msg as Block Kit: a divider and a section per text
// segment, a closing divider, then the options as button rows.
func renderBlocks(msg domain.OutboundMessage) []slackapi.Block {
	blocks := make([]slackapi.Block, 0, 2*len(msg.Segments)+2)
	for _, seg := range msg.Segments {
		blocks = append(blocks,
			slackapi.NewDividerBlock(),
			slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, seg, false, false), nil, nil),
		)
	}
	if len(msg.Segments) > 0 {
		blocks = append(blocks, slackapi.NewDividerBlock())
	}

	for start := 0; start < len(msg.Options); start += maxButtonsPerBlock {
		end := min(start+maxButtonsPerBlock, len(msg.Options))
		elements := make([]slackapi.BlockElement, 0, end-start)
		for _, opt := range msg.Options[start:end] {
			label := slackapi.NewTextBlockObject(slackapi.PlainTextType, truncateLabel(opt.Label), false, false)
			elements = append(elements, slackapi.NewButtonBlockElement(OptionActionPrefix+opt.Token, opt.Token, label))
		}
		blockID := "relay_options_" + strconv.Itoa(start/maxButtonsPerBlock+1)
		blocks = append(blocks, slackapi.NewActionBlock(blockID, elements...))
	}
	return blocks
}

// chunkBlocks splits blocks into groups that fit in a single message.
func chunkBlocks(blocks []slackapi.Block) [][]slackapi.Block {
	var out [][]slackapi.Block
	for len(blocks) > maxBlocksPerMessage {
		out = append(out, blocks[:maxBlocksPerMessage])
		blocks = blocks[maxBlocksPerMessage:]
	}
	if len(blocks) > 0 {
		out = append(out, blocks)
	}
	return out
}

// fallbackText is the plain-text body shown in notifications.
func fallbackText(msg domain.OutboundMessage) string {
	if len(msg.Options) > 0 {
		return optionsFallbackText
	}
	if len(msg.Segments) > 0 {
		return msg.Segments[0]
	}
	return ""
}

// withoutActions drops every actions block. The bool reports whether any
// block was removed.
func withoutActions(blocks []slackapi.Block) ([]slackapi.Block, bool) {
	out := make([]slackapi.Block, 0, len(blocks))
	for _, b := range blocks {
		if b.BlockType() == slackapi.MBTAction {
			continue
		}
		out = append(out, b)
	}
	return out, len(out) != len(blocks)
}

// OptionToken extracts the option token from a button action id.
func OptionToken(actionID, value string) (string, bool) {
	if len(actionID) <= len(OptionActionPrefix) || actionID[:len(OptionActionPrefix)] != OptionActionPrefix {
		return "", false
	}
	if value != "" {
		return value, true
	}
	return actionID[len(OptionActionPrefix):], true
}

func truncateLabel(label string) string {
	if utf8.RuneCountInString(label) <= maxButtonLabelChars {
		return label
	}
	r := []rune(label)
	return string(r[:maxButtonLabelChars-1]) + "…"
}
