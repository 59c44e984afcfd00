package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"dialogue-relay/internal/domain"
)

type sentMessage struct {
	method    string
	channelID string
	timestamp string
	values    url.Values
}

type fakeSlackAPI struct {
	mu       sync.Mutex
	sent     []sentMessage
	failures []error
}

func (f *fakeSlackAPI) nextErr() error {
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *fakeSlackAPI) record(method, channelID, ts string, options []slackapi.MsgOption) error {
	_, values, err := slackapi.UnsafeApplyMsgOptions("xoxb-test", channelID, "https://slack.test/api/", options...)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{method: method, channelID: channelID, timestamp: ts, values: values})
	return f.nextErr()
}

func (f *fakeSlackAPI) PostMessageContext(_ context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	return channelID, "999.1", f.record("post", channelID, "", options)
}

func (f *fakeSlackAPI) UpdateMessageContext(_ context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error) {
	return channelID, timestamp, "", f.record("update", channelID, timestamp, options)
}

func newTestPresenter(t *testing.T, api *fakeSlackAPI) *Presenter {
	t.Helper()
	p, err := NewPresenter(api, 1000, nil)
	require.NoError(t, err)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func decodeBlocks(t *testing.T, raw string) []slackapi.Block {
	t.Helper()
	var blocks slackapi.Blocks
	require.NoError(t, json.Unmarshal([]byte(raw), &blocks))
	return blocks.BlockSet
}

func TestNewPresenter_RequiresAPI(t *testing.T) {
	_, err := NewPresenter(nil, 1, nil)
	require.Error(t, err)
}

func TestPostMessage_PostsBlocksIntoThread(t *testing.T) {
	api := &fakeSlackAPI{}
	p := newTestPresenter(t, api)

	msg := domain.OutboundMessage{Segments: []string{"Pick one"}, Options: buttons(2)}
	require.NoError(t, p.PostMessage(context.Background(), domain.Target{ChannelID: "C1", ThreadTS: "10.1"}, msg))

	require.Len(t, api.sent, 1)
	sent := api.sent[0]
	require.Equal(t, "C1", sent.channelID)
	require.Equal(t, "10.1", sent.values.Get("thread_ts"))
	require.Equal(t, "Select an option:", sent.values.Get("text"))
	require.Equal(t,
		[]slackapi.MessageBlockType{slackapi.MBTDivider, slackapi.MBTSection, slackapi.MBTDivider, slackapi.MBTAction},
		blockTypes(decodeBlocks(t, sent.values.Get("blocks"))))
}

func TestPostMessage_SplitsOversizedMessages(t *testing.T) {
	api := &fakeSlackAPI{}
	p := newTestPresenter(t, api)

	segments := make([]string, 26)
	for i := range segments {
		segments[i] = "part"
	}
	require.NoError(t, p.PostMessage(context.Background(), domain.Target{ChannelID: "C1", ThreadTS: "10.1"}, domain.OutboundMessage{Segments: segments}))
	require.Len(t, api.sent, 2)
	for _, s := range api.sent {
		require.Equal(t, "10.1", s.values.Get("thread_ts"))
	}
}

func TestPostMessage_EmptyIsNoop(t *testing.T) {
	api := &fakeSlackAPI{}
	p := newTestPresenter(t, api)
	require.NoError(t, p.PostMessage(context.Background(), domain.Target{ChannelID: "C1"}, domain.OutboundMessage{}))
	require.NoError(t, p.PostText(context.Background(), domain.Target{ChannelID: "C1"}, "  "))
	require.Empty(t, api.sent)
}

func TestPostText_RetriesWhenRateLimited(t *testing.T) {
	api := &fakeSlackAPI{failures: []error{
		&slackapi.RateLimitedError{RetryAfter: time.Second},
		&slackapi.RateLimitedError{},
	}}
	p := newTestPresenter(t, api)

	require.NoError(t, p.PostText(context.Background(), domain.Target{ChannelID: "D1", ThreadTS: "1.1"}, "On it!"))
	require.Len(t, api.sent, 3)
	require.Equal(t, "On it!", api.sent[2].values.Get("text"))
	require.Empty(t, api.sent[2].values.Get("blocks"))
}

func TestPostText_DoesNotRetryOtherErrors(t *testing.T) {
	api := &fakeSlackAPI{failures: []error{errors.New("channel_not_found")}}
	p := newTestPresenter(t, api)

	err := p.PostText(context.Background(), domain.Target{ChannelID: "C404"}, "hello")
	require.ErrorContains(t, err, "channel_not_found")
	require.Len(t, api.sent, 1)
}

func TestRetireOptions_RemovesActionBlocks(t *testing.T) {
	api := &fakeSlackAPI{}
	p := newTestPresenter(t, api)

	posted := renderBlocks(domain.OutboundMessage{Segments: []string{"Which one?"}, Options: buttons(2)})
	source, err := json.Marshal(map[string]any{
		"ts":     "10.5",
		"text":   "Select an option:",
		"blocks": posted,
	})
	require.NoError(t, err)

	sel := domain.Selection{ChannelID: "C1", ThreadTS: "10.1", MessageTS: "10.5", Index: "1", SourceMessage: source}
	require.NoError(t, p.RetireOptions(context.Background(), sel))

	require.Len(t, api.sent, 1)
	update := api.sent[0]
	require.Equal(t, "update", update.method)
	require.Equal(t, "10.5", update.timestamp)
	require.Equal(t, "Select an option:", update.values.Get("text"))
	blocks := update.values.Get("blocks")
	require.False(t, strings.Contains(blocks, "relay_option_"))
	require.Len(t, decodeBlocks(t, blocks), 3)
}

func TestRetireOptions_NothingToRetire(t *testing.T) {
	api := &fakeSlackAPI{}
	p := newTestPresenter(t, api)

	source := json.RawMessage(`{"ts":"10.5","blocks":[{"type":"divider"}]}`)
	require.NoError(t, p.RetireOptions(context.Background(), domain.Selection{ChannelID: "C1", MessageTS: "10.5", SourceMessage: source}))
	require.NoError(t, p.RetireOptions(context.Background(), domain.Selection{ChannelID: "C1", MessageTS: "10.5"}))
	require.Empty(t, api.sent)

	err := p.RetireOptions(context.Background(), domain.Selection{ChannelID: "C1", MessageTS: "10.5", SourceMessage: json.RawMessage(`[`)})
	require.Error(t, err)
}
