package voiceflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"dialogue-relay/internal/integrations/paramstore"
)

type recordedRequest struct {
	method string
	path   string
	auth   string
	body   string
}

func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.auth = r.Header.Get("Authorization")
		rec.body = string(b)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	all := append([]Option{
		WithRuntimeEndpoint(srv.URL),
		WithTranscriptsEndpoint(srv.URL + "/v2/transcripts"),
		WithHTTPClient(srv.Client()),
	}, opts...)
	c, err := NewClient(paramstore.Static("VF.DM.key"), all...)
	require.NoError(t, err)
	return c
}

type failingSource struct{}

func (failingSource) Value(context.Context) (string, error) { return "", errors.New("no key") }

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(paramstore.Static("k"))
	require.NoError(t, err)
	require.Equal(t, DefaultRuntimeEndpoint, c.runtimeURL)
	require.Equal(t, DefaultVersionID, c.versionID)
	require.Equal(t, "https://general-runtime.voiceflow.com/state/production/user/C1-1.2/interact", c.interactURL("C1-1.2"))
}

func TestNewClient_NilSource(t *testing.T) {
	_, err := NewClient(nil)
	require.ErrorContains(t, err, "nil")
}

// ---------------------------------------------------------------------------
// Interact
// ---------------------------------------------------------------------------

func TestLaunch_SendsLaunchRequest(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `[{"type":"speak","payload":{"message":"Hi there"}}]`)
	c := newTestClient(t, srv, WithVersionID("v42"))

	turn, err := c.Launch(context.Background(), "D1-100.1")
	require.NoError(t, err)
	require.True(t, turn.Continues)
	require.Equal(t, []string{"Hi there"}, turn.Texts)
	require.Empty(t, turn.Options)

	require.Equal(t, http.MethodPost, rec.method)
	require.Equal(t, "/state/v42/user/D1-100.1/interact", rec.path)
	require.Equal(t, "VF.DM.key", rec.auth)
	require.JSONEq(t, `{"request":{"type":"launch"}}`, rec.body)
}

func TestSendText_BodyShape(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `[]`)
	c := newTestClient(t, srv)

	turn, err := c.SendText(context.Background(), "s", "hello\nworld")
	require.NoError(t, err)
	require.True(t, turn.Continues)
	require.JSONEq(t, `{"request":{"type":"text","payload":"hello\nworld"}}`, rec.body)
}

func TestSendPayload_ForwardsVerbatim(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `[]`)
	c := newTestClient(t, srv)

	payload := json.RawMessage(`{"type":"path-abc","payload":{"label":"Yes"}}`)
	_, err := c.SendPayload(context.Background(), "s", payload)
	require.NoError(t, err)
	require.JSONEq(t, `{"request":{"type":"path-abc","payload":{"label":"Yes"}}}`, rec.body)

	_, err = c.SendPayload(context.Background(), "s", nil)
	require.Error(t, err)
}

func TestInteract_ParsesTraces(t *testing.T) {
	body := `[
		{"type":"text","payload":{"message":"A"}},
		{"type":"speak","payload":{"message":"B"}},
		{"type":"visual","payload":{"image":"x.png"}},
		{"type":"choice","payload":{"buttons":[
			{"name":"Yes please","request":{"type":"path-1","payload":{"label":"Yes"}}},
			{"name":"No","request":{"type":"path-2"}}
		]}}
	]`
	srv, _ := newTestServer(t, http.StatusOK, body)
	c := newTestClient(t, srv)

	turn, err := c.SendText(context.Background(), "s", "hi")
	require.NoError(t, err)
	require.True(t, turn.Continues)
	require.Equal(t, []string{"A", "B"}, turn.Texts)
	require.Len(t, turn.Options, 2)
	require.Equal(t, "1", turn.Options[0].Index)
	require.Equal(t, "Yes", turn.Options[0].Label)
	require.Equal(t, "No", turn.Options[1].Label)

	m := turn.Options.Mapping()
	require.JSONEq(t, `{"type":"path-1","payload":{"label":"Yes"}}`, string(m["1"]))
	require.JSONEq(t, `{"type":"path-2"}`, string(m["2"]))
}

func TestInteract_EndTraceStopsSession(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `[{"type":"text","payload":{"message":"Bye"}},{"type":"end"}]`)
	c := newTestClient(t, srv)

	turn, err := c.SendText(context.Background(), "s", "bye")
	require.NoError(t, err)
	require.False(t, turn.Continues)
	require.Equal(t, []string{"Bye"}, turn.Texts)
}

func TestInteract_LastChoiceTraceWins(t *testing.T) {
	body := `[
		{"type":"choice","payload":{"buttons":[{"name":"a","request":{"type":"a"}},{"name":"b","request":{"type":"b"}}]}},
		{"type":"choice","payload":{"buttons":[{"name":"c","request":{"type":"c"}}]}}
	]`
	srv, _ := newTestServer(t, http.StatusOK, body)
	c := newTestClient(t, srv)

	turn, err := c.SendText(context.Background(), "s", "x")
	require.NoError(t, err)
	require.Len(t, turn.Options, 1)
	require.Equal(t, "c", turn.Options[0].Label)
}

func TestInteract_ChoiceButtonWithoutRequestIsMalformed(t *testing.T) {
	body := `[
		{"type":"choice","payload":{"buttons":[
			{"name":"a","request":{"type":"a"}},
			{"name":"b"},
			{"name":"c","request":{"type":"c"}}
		]}}
	]`
	srv, _ := newTestServer(t, http.StatusOK, body)
	c := newTestClient(t, srv)

	_, err := c.SendText(context.Background(), "s", "x")
	require.ErrorIs(t, err, ErrMalformedResponse)
	require.ErrorIs(t, err, ErrRemoteProtocol)
	require.ErrorContains(t, err, "choice button 2")
}

func TestInteract_ChoiceButtonWithNullRequestIsMalformed(t *testing.T) {
	body := `[{"type":"choice","payload":{"buttons":[{"name":"a","request":null}]}}]`
	srv, _ := newTestServer(t, http.StatusOK, body)
	c := newTestClient(t, srv)

	_, err := c.Launch(context.Background(), "s")
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestInteract_Non2xxIsProtocolError(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusUnauthorized, `{"message":"bad key"}`)
	c := newTestClient(t, srv)

	_, err := c.SendText(context.Background(), "s", "x")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrRemoteProtocol)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusUnauthorized, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "bad key")
}

func TestInteract_MalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"not":"a list"}`)
	c := newTestClient(t, srv)

	_, err := c.Launch(context.Background(), "s")
	require.ErrorIs(t, err, ErrMalformedResponse)
	require.ErrorIs(t, err, ErrRemoteProtocol)
}

func TestInteract_KeyFailure(t *testing.T) {
	c, err := NewClient(failingSource{})
	require.NoError(t, err)

	_, err = c.Launch(context.Background(), "s")
	require.ErrorContains(t, err, "no key")
}

func TestInteract_EmptySession(t *testing.T) {
	c, err := NewClient(paramstore.Static("k"))
	require.NoError(t, err)
	_, err = c.Launch(context.Background(), " ")
	require.ErrorContains(t, err, "session id")
}

// ---------------------------------------------------------------------------
// CreateTranscript
// ---------------------------------------------------------------------------

func TestCreateTranscript(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `{"_id":"t1"}`)
	c := newTestClient(t, srv, WithProjectID("proj-1"))

	require.NoError(t, c.CreateTranscript(context.Background(), "D1-1.1"))
	require.Equal(t, http.MethodPut, rec.method)
	require.Equal(t, "/v2/transcripts", rec.path)
	require.Equal(t, "VF.DM.key", rec.auth)
	require.JSONEq(t, `{"versionID":"production","sessionID":"D1-1.1","projectID":"proj-1"}`, rec.body)
}

func TestCreateTranscript_RequiresProject(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{}`)
	c := newTestClient(t, srv)
	require.ErrorContains(t, c.CreateTranscript(context.Background(), "s"), "project id")
}
