package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"dialogue-relay/internal/domain"
)

type dialogueCall struct {
	kind      string
	sessionID string
	text      string
	payload   json.RawMessage
}

type mockDialogue struct {
	mu        sync.Mutex
	calls     []dialogueCall
	launch    domain.DialogueTurn
	launchErr error
	reply     domain.DialogueTurn
	replyErr  error
	delay     time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (m *mockDialogue) record(c dialogueCall) {
	n := m.inFlight.Add(1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.inFlight.Add(-1)
}

func (m *mockDialogue) Launch(_ context.Context, sessionID string) (domain.DialogueTurn, error) {
	m.record(dialogueCall{kind: "launch", sessionID: sessionID})
	return m.launch, m.launchErr
}

func (m *mockDialogue) SendText(_ context.Context, sessionID, text string) (domain.DialogueTurn, error) {
	m.record(dialogueCall{kind: "text", sessionID: sessionID, text: text})
	return m.reply, m.replyErr
}

func (m *mockDialogue) SendPayload(_ context.Context, sessionID string, payload json.RawMessage) (domain.DialogueTurn, error) {
	m.record(dialogueCall{kind: "payload", sessionID: sessionID, payload: payload})
	return m.reply, m.replyErr
}

func (m *mockDialogue) snapshot() []dialogueCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dialogueCall(nil), m.calls...)
}

type mockStore struct {
	mu      sync.Mutex
	convs   map[string]*domain.Conversation
	getErr  error
	saveErr error
	saves   int
}

func newMockStore(convs ...*domain.Conversation) *mockStore {
	s := &mockStore{convs: map[string]*domain.Conversation{}}
	for _, c := range convs {
		s.convs[c.ID] = c
	}
	return s
}

func (m *mockStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	c, ok := m.convs[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Options = append(domain.OptionSet(nil), c.Options...)
	return &cp, nil
}

func (m *mockStore) SaveConversation(_ context.Context, conv *domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *conv
	m.convs[conv.ID] = &cp
	return nil
}

func (m *mockStore) get(id string) *domain.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convs[id]
}

type mockExtractor struct {
	files map[string]string
	pages map[string]string
	urls  []string
}

func (m *mockExtractor) Attachment(_ context.Context, a domain.Attachment) (string, error) {
	if text, ok := m.files[a.Name]; ok {
		return text, nil
	}
	return "", errors.New("cannot read " + a.Name)
}

func (m *mockExtractor) URL(_ context.Context, rawURL string) (string, error) {
	m.urls = append(m.urls, rawURL)
	if text, ok := m.pages[rawURL]; ok {
		return text, nil
	}
	return "", errors.New("cannot fetch " + rawURL)
}

type postedText struct {
	target domain.Target
	text   string
}

type mockPresenter struct {
	mu        sync.Mutex
	posts     []postedText
	retired   []domain.Selection
	postErr   error
	retireErr error
}

func (m *mockPresenter) PostText(_ context.Context, target domain.Target, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, postedText{target: target, text: text})
	return m.postErr
}

func (m *mockPresenter) RetireOptions(_ context.Context, sel domain.Selection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retired = append(m.retired, sel)
	return m.retireErr
}

func (m *mockPresenter) postCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

type mockTranscripts struct {
	sessions []string
	err      error
}

func (m *mockTranscripts) CreateTranscript(_ context.Context, sessionID string) error {
	m.sessions = append(m.sessions, sessionID)
	return m.err
}

func options(pairs ...string) domain.OptionSet {
	var labels []string
	var payloads []json.RawMessage
	for i := 0; i+1 < len(pairs); i += 2 {
		labels = append(labels, pairs[i])
		payloads = append(payloads, json.RawMessage(pairs[i+1]))
	}
	return domain.NewOptionSet(labels, payloads)
}
