package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"dialogue-relay/internal/domain"
)

func newTestRelay(t *testing.T, tmpl RelayTemplates, convs ...*domain.Conversation) (*Relay, *mockStore, *mockPresenter) {
	t.Helper()
	s, p := newMockStore(convs...), &mockPresenter{}
	r, err := NewRelay(s, p, tmpl, nil)
	require.NoError(t, err)
	return r, s, p
}

func TestNewRelay_ValidatesDependencies(t *testing.T) {
	_, err := NewRelay(nil, &mockPresenter{}, RelayTemplates{}, nil)
	require.Error(t, err)
	_, err = NewRelay(newMockStore(), nil, RelayTemplates{}, nil)
	require.Error(t, err)
}

func TestNotifyStarted(t *testing.T) {
	r, _, p := newTestRelay(t, RelayTemplates{}, initializedConversation("C1", "300.1"))

	require.NoError(t, r.NotifyStarted(context.Background(), "C1-300.1"))
	require.Len(t, p.posts, 1)
	require.Equal(t, domain.Target{ChannelID: "C1", ThreadTS: "300.1"}, p.posts[0].target)
	require.Equal(t, DefaultStartedText, p.posts[0].text)
}

func TestNotifyCompleted_WithArtifact(t *testing.T) {
	r, _, p := newTestRelay(t, RelayTemplates{}, initializedConversation("C1", "300.1"))

	require.NoError(t, r.NotifyCompleted(context.Background(), " C1-300.1 ", "doc-42"))
	require.Len(t, p.posts, 1)
	require.Contains(t, p.posts[0].text, "Hey <@U1>!")
	require.Contains(t, p.posts[0].text, "https://docs.google.com/document/d/doc-42")
	require.NotContains(t, p.posts[0].text, "{")
}

func TestNotifyCompleted_WithoutArtifact(t *testing.T) {
	r, _, p := newTestRelay(t, RelayTemplates{}, initializedConversation("C1", "300.1"))

	require.NoError(t, r.NotifyCompleted(context.Background(), "C1-300.1", ""))
	require.Len(t, p.posts, 1)
	require.Contains(t, p.posts[0].text, "Google Docs folder")
	require.NotContains(t, p.posts[0].text, "docs.google.com")
}

func TestNotifyCompleted_CustomTemplates(t *testing.T) {
	tmpl := RelayTemplates{
		Completed:   "<@{user}> done: {artifact_url} ({artifact_id})",
		ArtifactURL: "https://files.example.com/{artifact_id}",
	}
	r, _, p := newTestRelay(t, tmpl, initializedConversation("C1", "300.1"))

	require.NoError(t, r.NotifyCompleted(context.Background(), "C1-300.1", "abc"))
	require.Equal(t, "<@U1> done: https://files.example.com/abc (abc)", p.posts[0].text)
}

func TestNotify_MissingConversationID(t *testing.T) {
	r, _, p := newTestRelay(t, RelayTemplates{})

	err := r.NotifyStarted(context.Background(), "  ")
	expectUseCaseError(t, err, ErrorInvalidInput, "missing_conversation_id")
	require.Empty(t, p.posts)
}

func TestNotify_UnknownConversationIsDropped(t *testing.T) {
	r, _, p := newTestRelay(t, RelayTemplates{})

	require.NoError(t, r.NotifyCompleted(context.Background(), "C9-1.1", "doc"))
	require.Empty(t, p.posts)
}

func TestNotify_DeliveryFailureIsSwallowed(t *testing.T) {
	r, _, p := newTestRelay(t, RelayTemplates{}, initializedConversation("C1", "300.1"))
	p.postErr = errors.New("channel_not_found")

	require.NoError(t, r.NotifyStarted(context.Background(), "C1-300.1"))
	require.Len(t, p.posts, 1)
}

func TestNotify_StoreFailure(t *testing.T) {
	r, s, _ := newTestRelay(t, RelayTemplates{})
	s.getErr = errors.New("throttled")

	err := r.NotifyStarted(context.Background(), "C1-300.1")
	expectUseCaseError(t, err, ErrorInternal, "store_read_error")
	require.Equal(t, ErrorInternal, CodeOf(err))
}
