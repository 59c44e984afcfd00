package usecase

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"dialogue-relay/internal/domain"
)

func TestStripFirstMention(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"<@U123ABC> hello", " hello"},
		{"hi <@W9|jane> and <@U2>", "hi  and <@U2>"},
		{"no mention", "no mention"},
		{"<@u123> lowercase is not a mention", "<@u123> lowercase is not a mention"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, stripFirstMention(tc.in), tc.in)
	}
}

func TestUnwrapLinks(t *testing.T) {
	require.Equal(t,
		"see https://a.example/x and https://b.example",
		unwrapLinks("see <https://a.example/x|the doc> and <https://b.example>"))
	require.Equal(t, "<#C123|general>", unwrapLinks("<#C123|general>"))
}

func TestFindLinks(t *testing.T) {
	links := findLinks("read https://a.example/x, then https://b.example/y. Also https://a.example/x again (https://c.example)")
	require.Equal(t, []string{"https://a.example/x", "https://b.example/y", "https://c.example"}, links)
	require.Empty(t, findLinks("nothing here"))
}

func TestCleanText_OnlyMentionsAreStripped(t *testing.T) {
	turn := domain.InboundTurn{Kind: domain.TurnDirectMessage, Text: " <@U1> ping "}
	require.Equal(t, "<@U1> ping", cleanText(turn))

	turn.Kind = domain.TurnMention
	require.Equal(t, "ping", cleanText(turn))
}

func TestAssembleInput_AttachmentsOnly(t *testing.T) {
	x := &mockExtractor{files: map[string]string{"notes.txt": "line one"}}
	turn := domain.InboundTurn{
		Kind:        domain.TurnDirectMessage,
		Attachments: []domain.Attachment{{Name: "notes.txt"}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.Equal(t, "line one", assembleInput(context.Background(), x, turn, logger))
}
