package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drsamy.app/chat/internal/store"
)

type responseCall struct {
	prompt      string
	history     []Turn
	attachments []string
}

type fakeAssistant struct {
	mu         sync.Mutex
	calls      []responseCall
	titleCalls []string
	reply      Reply
	title      Reply
	err        error
	gate       chan struct{}
	entered    chan struct{}
}

func newFakeAssistant() *fakeAssistant {
	return &fakeAssistant{
		reply: Reply{Text: "Reposez-vous et buvez de l'eau."},
		title: Reply{Text: "Maux de tête"},
	}
}

func (a *fakeAssistant) GenerateResponse(_ context.Context, prompt string, history []Turn, attachments []string) (Reply, error) {
	a.mu.Lock()
	a.calls = append(a.calls, responseCall{prompt: prompt, history: history, attachments: attachments})
	gate, entered := a.gate, a.entered
	a.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return a.reply, a.err
}

func (a *fakeAssistant) GenerateTitle(_ context.Context, firstMessage string) (Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titleCalls = append(a.titleCalls, firstMessage)
	return a.title, nil
}

func (a *fakeAssistant) responseCalls() []responseCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]responseCall(nil), a.calls...)
}

// memoryStore keeps the last saved document and counts writes.
type memoryStore struct {
	mu            sync.Mutex
	conversations []store.Conversation
	stored        bool
	theme         store.Theme
	saves         int
	saveErr       error
}

func (m *memoryStore) LoadConversations(context.Context) ([]store.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Conversation(nil), m.conversations...), m.stored, nil
}

func (m *memoryStore) SaveConversations(_ context.Context, conversations []store.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.conversations = make([]store.Conversation, len(conversations))
	for i, c := range conversations {
		m.conversations[i] = cloneConversation(&c)
	}
	m.stored = true
	return nil
}

func (m *memoryStore) LoadTheme(context.Context) (store.Theme, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.theme == "" {
		return store.ThemeLight, nil
	}
	return m.theme, nil
}

func (m *memoryStore) SaveTheme(_ context.Context, theme store.Theme) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.theme = theme
	return nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *memoryStore) saved() []store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversations
}

// stepClock advances one second per reading.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (g *sequentialIDs) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n)
}

func newTestService(t *testing.T, st store.Store, assistant Assistant) *ChatService {
	t.Helper()
	clock := &stepClock{cur: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	ids := &sequentialIDs{}
	s := NewChatService(context.Background(), st, assistant, WithClock(clock.now), WithIDGenerator(ids.next))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestChatService_FirstSendCreatesConversation(t *testing.T) {
	st := &memoryStore{}
	assistant := newFakeAssistant()
	s := newTestService(t, st, assistant)

	id := s.StartNewChat()
	active, state := s.Active()
	require.Equal(t, id, active)
	require.Equal(t, ActivePending, state)
	require.Empty(t, s.ListConversations())

	res, err := s.SendMessage(context.Background(), id, "J'ai mal à la tête", nil)
	require.NoError(t, err)
	require.False(t, res.Degraded)
	require.True(t, res.TitleUpdated)

	conv := res.Conversation
	require.Equal(t, id, conv.ID)
	require.Equal(t, "Maux de tête", conv.Title)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, store.RoleUser, conv.Messages[0].Role)
	require.Equal(t, "J'ai mal à la tête", conv.Messages[0].Content)
	require.Equal(t, store.RoleAssistant, conv.Messages[1].Role)
	require.Equal(t, "Reposez-vous et buvez de l'eau.", conv.Messages[1].Content)
	require.NotEqual(t, conv.Messages[0].ID, conv.Messages[1].ID)
	require.True(t, conv.Messages[1].Timestamp.After(conv.Messages[0].Timestamp))
	require.False(t, conv.LastUpdate.Before(conv.Messages[1].Timestamp))

	_, state = s.Active()
	require.Equal(t, ActiveOpen, state)
	require.False(t, s.Loading())

	calls := assistant.responseCalls()
	require.Len(t, calls, 1)
	require.Empty(t, calls[0].history)
	require.Equal(t, []string{"J'ai mal à la tête"}, assistant.titleCalls)

	saved := st.saved()
	require.Len(t, saved, 1)
	require.Equal(t, conv, saved[0])
}

func TestChatService_SendWithoutActiveGeneratesID(t *testing.T) {
	s := newTestService(t, &memoryStore{}, newFakeAssistant())

	res, err := s.SendMessage(context.Background(), "", "Bonjour", nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Conversation.ID)

	active, state := s.Active()
	require.Equal(t, res.Conversation.ID, active)
	require.Equal(t, ActiveOpen, state)
}

func TestChatService_PreviewTitle(t *testing.T) {
	require.Equal(t, "J'ai mal à la tête", previewTitle("J'ai mal à la tête"))
	require.Equal(t, DefaultTitle, previewTitle("   "))

	long := strings.Repeat("é", 40)
	require.Equal(t, strings.Repeat("é", 30)+"...", previewTitle(long))
	require.Equal(t, strings.Repeat("a", 30), previewTitle(strings.Repeat("a", 30)))
}

func TestChatService_TitleRefreshOnlyOnFirstExchange(t *testing.T) {
	assistant := newFakeAssistant()
	s := newTestService(t, &memoryStore{}, assistant)

	id := s.StartNewChat()
	_, err := s.SendMessage(context.Background(), id, "Premier message", nil)
	require.NoError(t, err)

	assistant.title = Reply{Text: "Autre titre"}
	res, err := s.SendMessage(context.Background(), id, "Deuxième message", nil)
	require.NoError(t, err)
	require.False(t, res.TitleUpdated)
	require.Equal(t, "Maux de tête", res.Conversation.Title)
	require.Len(t, res.Conversation.Messages, 4)
	require.Len(t, assistant.titleCalls, 1)

	calls := assistant.responseCalls()
	require.Len(t, calls, 2)
	require.Equal(t, []Turn{
		{Role: store.RoleUser, Content: "Premier message"},
		{Role: store.RoleAssistant, Content: "Reposez-vous et buvez de l'eau."},
	}, calls[1].history)
}

func TestChatService_WithoutCredentials(t *testing.T) {
	llm, err := NewLLMService(context.Background(), "", "gemini-test", "")
	require.NoError(t, err)
	s := newTestService(t, &memoryStore{}, llm)

	text := "Quels sont les symptômes d'une grippe saisonnière ?"
	res, err := s.SendMessage(context.Background(), s.StartNewChat(), text, nil)
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.Equal(t, ReasonNotConfigured, res.DegradedReason)
	require.False(t, res.TitleUpdated)

	require.Len(t, res.Conversation.Messages, 2)
	reply := res.Conversation.Messages[1]
	require.Equal(t, NotConfiguredResponse, reply.Content)
	require.True(t, reply.Degraded)
	require.Equal(t, previewTitle(text), res.Conversation.Title)
	require.True(t, strings.HasSuffix(res.Conversation.Title, "..."))
}

func TestChatService_AttachmentsAreEncodedInOrder(t *testing.T) {
	assistant := newFakeAssistant()
	s := newTestService(t, &memoryStore{}, assistant)

	files := []File{BytesFile("a.jpg", []byte("one")), BytesFile("b.jpg", []byte("two"))}
	res, err := s.SendMessage(context.Background(), s.StartNewChat(), "", files)
	require.NoError(t, err)

	user := res.Conversation.Messages[0]
	require.Equal(t, []string{"b25l", "dHdv"}, user.Attachments)
	require.Equal(t, "", user.Content)
	require.Equal(t, DefaultTitle, res.Conversation.Title)
	require.Equal(t, []string{"b25l", "dHdv"}, assistant.responseCalls()[0].attachments)
}

func TestChatService_EncodingFailureChangesNothing(t *testing.T) {
	st := &memoryStore{}
	assistant := newFakeAssistant()
	s := newTestService(t, st, assistant)
	id := s.StartNewChat()

	files := []File{BytesFile("ok.jpg", []byte("ok")), brokenFile{name: "bad.jpg"}}
	res, err := s.SendMessage(context.Background(), id, "Regardez", files)
	require.ErrorIs(t, err, ErrEncoding)
	require.Nil(t, res)

	require.Empty(t, s.ListConversations())
	require.Zero(t, st.saveCount())
	require.Empty(t, assistant.responseCalls())
	require.False(t, s.Loading())
	_, state := s.Active()
	require.Equal(t, ActivePending, state)
}

func TestChatService_EmptyMessageRejected(t *testing.T) {
	st := &memoryStore{}
	s := newTestService(t, st, newFakeAssistant())

	_, err := s.SendMessage(context.Background(), s.StartNewChat(), "  \n", nil)
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, s.ListConversations())
	require.Zero(t, st.saveCount())
}

func TestChatService_AssistantFailureKeepsUserMessage(t *testing.T) {
	assistant := newFakeAssistant()
	assistant.err = errors.New("boom")
	s := newTestService(t, &memoryStore{}, assistant)

	res, err := s.SendMessage(context.Background(), s.StartNewChat(), "Bonjour", nil)
	require.ErrorIs(t, err, ErrAssistantFailed)
	require.Contains(t, err.Error(), "boom")
	require.NotNil(t, res)
	require.Nil(t, res.AssistantMessage)
	require.Len(t, res.Conversation.Messages, 1)
	require.Equal(t, store.RoleUser, res.Conversation.Messages[0].Role)
	require.False(t, s.Loading())
	require.Empty(t, assistant.titleCalls)
}

func TestChatService_PersistFailureDoesNotAbortSend(t *testing.T) {
	st := &memoryStore{saveErr: errors.New("disk full")}
	s := newTestService(t, st, newFakeAssistant())

	res, err := s.SendMessage(context.Background(), s.StartNewChat(), "Bonjour", nil)
	require.NoError(t, err)
	require.Len(t, res.Conversation.Messages, 2)
	require.Positive(t, st.saveCount())
}

func TestChatService_ListOrderedByLastUpdate(t *testing.T) {
	s := newTestService(t, &memoryStore{}, newFakeAssistant())

	first, err := s.SendMessage(context.Background(), s.StartNewChat(), "Premier", nil)
	require.NoError(t, err)
	second, err := s.SendMessage(context.Background(), s.StartNewChat(), "Second", nil)
	require.NoError(t, err)

	list := s.ListConversations()
	require.Len(t, list, 2)
	require.Equal(t, second.Conversation.ID, list[0].ID)
	require.Equal(t, first.Conversation.ID, list[1].ID)

	_, err = s.SendMessage(context.Background(), first.Conversation.ID, "Encore", nil)
	require.NoError(t, err)
	list = s.ListConversations()
	require.Equal(t, first.Conversation.ID, list[0].ID)
}

func TestChatService_ListKeepsInsertionOrderOnTies(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	st := &memoryStore{stored: true, conversations: []store.Conversation{
		{ID: "a", Title: "A", Messages: []store.Message{}, LastUpdate: at},
		{ID: "b", Title: "B", Messages: []store.Message{}, LastUpdate: at},
		{ID: "c", Title: "C", Messages: []store.Message{}, LastUpdate: at.Add(time.Minute)},
	}}
	s := newTestService(t, st, newFakeAssistant())

	var ids []string
	for _, c := range s.ListConversations() {
		ids = append(ids, c.ID)
	}
	require.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestChatService_ListReturnsCopies(t *testing.T) {
	s := newTestService(t, &memoryStore{}, newFakeAssistant())
	res, err := s.SendMessage(context.Background(), s.StartNewChat(), "Bonjour", nil)
	require.NoError(t, err)

	list := s.ListConversations()
	list[0].Title = "modifié"
	list[0].Messages[0].Content = "modifié"

	c, ok := s.Conversation(res.Conversation.ID)
	require.True(t, ok)
	require.NotEqual(t, "modifié", c.Title)
	require.Equal(t, "Bonjour", c.Messages[0].Content)
}

func TestChatService_LoadDropsDuplicateIDs(t *testing.T) {
	st := &memoryStore{stored: true, theme: store.ThemeDark, conversations: []store.Conversation{
		{ID: "a", Title: "first", Messages: []store.Message{}},
		{ID: "a", Title: "second", Messages: []store.Message{}},
		{ID: "b", Title: "other", Messages: []store.Message{}},
	}}
	s := newTestService(t, st, newFakeAssistant())

	list := s.ListConversations()
	require.Len(t, list, 2)
	c, ok := s.Conversation("a")
	require.True(t, ok)
	require.Equal(t, "first", c.Title)
	require.Equal(t, store.ThemeDark, s.Theme())
}

func TestChatService_ReloadFromStore(t *testing.T) {
	st := &memoryStore{}
	s := newTestService(t, st, newFakeAssistant())
	res, err := s.SendMessage(context.Background(), s.StartNewChat(), "Bonjour", nil)
	require.NoError(t, err)

	reloaded := newTestService(t, st, newFakeAssistant())
	c, ok := reloaded.Conversation(res.Conversation.ID)
	require.True(t, ok)
	require.Equal(t, res.Conversation, c)

	active, state := reloaded.Active()
	require.Empty(t, active)
	require.Equal(t, ActiveNone, state)
}

func TestChatService_SelectConversation(t *testing.T) {
	s := newTestService(t, &memoryStore{}, newFakeAssistant())
	res, err := s.SendMessage(context.Background(), s.StartNewChat(), "Bonjour", nil)
	require.NoError(t, err)

	s.StartNewChat()
	require.NoError(t, s.SelectConversation(res.Conversation.ID))
	active, state := s.Active()
	require.Equal(t, res.Conversation.ID, active)
	require.Equal(t, ActiveOpen, state)

	err = s.SelectConversation("missing")
	require.ErrorIs(t, err, ErrConversationNotFound)
	active, _ = s.Active()
	require.Equal(t, res.Conversation.ID, active)
}

func TestChatService_DeleteConversation(t *testing.T) {
	st := &memoryStore{}
	s := newTestService(t, st, newFakeAssistant())

	kept, err := s.SendMessage(context.Background(), s.StartNewChat(), "Garder", nil)
	require.NoError(t, err)
	removed, err := s.SendMessage(context.Background(), s.StartNewChat(), "Supprimer", nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(context.Background(), removed.Conversation.ID))
	active, state := s.Active()
	require.Empty(t, active)
	require.Equal(t, ActiveNone, state)

	list := s.ListConversations()
	require.Len(t, list, 1)
	require.Equal(t, kept.Conversation.ID, list[0].ID)
	require.Len(t, st.saved(), 1)
}

func TestChatService_DeleteKeepsOtherActive(t *testing.T) {
	s := newTestService(t, &memoryStore{}, newFakeAssistant())
	other, err := s.SendMessage(context.Background(), s.StartNewChat(), "Autre", nil)
	require.NoError(t, err)
	current, err := s.SendMessage(context.Background(), s.StartNewChat(), "Actuelle", nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(context.Background(), other.Conversation.ID))
	active, _ := s.Active()
	require.Equal(t, current.Conversation.ID, active)
}

func TestChatService_DeleteUnknownIsNoop(t *testing.T) {
	st := &memoryStore{}
	s := newTestService(t, st, newFakeAssistant())
	_, err := s.SendMessage(context.Background(), s.StartNewChat(), "Bonjour", nil)
	require.NoError(t, err)
	saves := st.saveCount()

	require.NoError(t, s.DeleteConversation(context.Background(), "missing"))
	require.Len(t, s.ListConversations(), 1)
	require.Equal(t, saves, st.saveCount())
}

func TestChatService_Theme(t *testing.T) {
	st := &memoryStore{}
	s := newTestService(t, st, newFakeAssistant())
	require.Equal(t, store.ThemeLight, s.Theme())

	theme, err := s.ToggleTheme(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.ThemeDark, theme)
	require.Equal(t, store.ThemeDark, st.theme)

	require.NoError(t, s.SetTheme(context.Background(), store.ThemeLight))
	require.Equal(t, store.ThemeLight, s.Session().Theme)

	err = s.SetTheme(context.Background(), store.Theme("blue"))
	require.ErrorIs(t, err, store.ErrInvalidTheme)
	require.Equal(t, store.ThemeLight, s.Theme())
}

func TestChatService_ConcurrentSendsAreSerialized(t *testing.T) {
	assistant := newFakeAssistant()
	assistant.gate = make(chan struct{})
	assistant.entered = make(chan struct{}, 2)
	s := newTestService(t, &memoryStore{}, assistant)
	id := s.StartNewChat()

	var wg sync.WaitGroup
	send := func(text string) {
		defer wg.Done()
		_, err := s.SendMessage(context.Background(), id, text, nil)
		assert.NoError(t, err)
	}

	wg.Add(1)
	go send("premier")
	<-assistant.entered
	require.True(t, s.Loading())

	wg.Add(1)
	go send("second")

	// the second send must not reach the assistant before the first finishes
	select {
	case <-assistant.entered:
		t.Fatal("second send overlapped the first")
	case <-time.After(50 * time.Millisecond):
	}

	assistant.gate <- struct{}{}
	<-assistant.entered
	assistant.gate <- struct{}{}
	wg.Wait()

	c, ok := s.Conversation(id)
	require.True(t, ok)
	require.Len(t, c.Messages, 4)
	roles := []store.Role{c.Messages[0].Role, c.Messages[1].Role, c.Messages[2].Role, c.Messages[3].Role}
	require.Equal(t, []store.Role{store.RoleUser, store.RoleAssistant, store.RoleUser, store.RoleAssistant}, roles)
	require.Equal(t, "premier", c.Messages[0].Content)
	require.Equal(t, "second", c.Messages[2].Content)
	require.Len(t, assistant.responseCalls()[1].history, 2)
	require.False(t, s.Loading())
}

func TestChatService_SendsToDifferentConversationsOverlap(t *testing.T) {
	assistant := newFakeAssistant()
	assistant.gate = make(chan struct{})
	assistant.entered = make(chan struct{}, 2)
	s := newTestService(t, &memoryStore{}, assistant)

	var wg sync.WaitGroup
	for _, text := range []string{"un", "deux"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			_, err := s.SendMessage(context.Background(), "", text, nil)
			assert.NoError(t, err)
		}(text)
	}

	<-assistant.entered
	<-assistant.entered
	require.True(t, s.Loading())
	close(assistant.gate)
	wg.Wait()

	require.Len(t, s.ListConversations(), 2)
	require.False(t, s.Loading())
}

func TestChatService_ReplyDroppedWhenConversationDeleted(t *testing.T) {
	assistant := newFakeAssistant()
	assistant.gate = make(chan struct{})
	assistant.entered = make(chan struct{}, 1)
	s := newTestService(t, &memoryStore{}, assistant)
	id := s.StartNewChat()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.SendMessage(context.Background(), id, "Bonjour", nil)
		errCh <- err
	}()

	<-assistant.entered
	require.NoError(t, s.DeleteConversation(context.Background(), id))
	close(assistant.gate)

	require.ErrorIs(t, <-errCh, ErrConversationDeleted)
	require.Empty(t, s.ListConversations())
	require.False(t, s.Loading())
}

func TestChatService_CallerCancellationDoesNotAbortReply(t *testing.T) {
	assistant := newFakeAssistant()
	assistant.gate = make(chan struct{})
	assistant.entered = make(chan struct{}, 1)
	s := newTestService(t, &memoryStore{}, assistant)
	id := s.StartNewChat()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *SendResult, 1)
	go func() {
		res, err := s.SendMessage(ctx, id, "Bonjour", nil)
		assert.NoError(t, err)
		done <- res
	}()

	<-assistant.entered
	cancel()
	close(assistant.gate)

	res := <-done
	require.NotNil(t, res)
	require.Len(t, res.Conversation.Messages, 2)
}

func TestChatService_Subscribe(t *testing.T) {
	s := newTestService(t, &memoryStore{}, newFakeAssistant())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := s.Subscribe(ctx)
	require.NoError(t, err)

	id := s.StartNewChat()
	_, err = s.SendMessage(context.Background(), id, "Bonjour", nil)
	require.NoError(t, err)

	want := []EventType{EventActiveChanged, EventConversationCreated, EventMessageAppended, EventLoadingChanged, EventTitleUpdated}
	seen := map[EventType]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < len(want) {
		select {
		case ev := <-events:
			require.Equal(t, id, ev.ConversationID)
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("missing events, got %v", seen)
		}
	}
	for _, typ := range want {
		require.True(t, seen[typ], typ)
	}
}

func TestActiveState_MarshalText(t *testing.T) {
	b, err := ActivePending.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "pending", string(b))
	require.Equal(t, "none", ActiveNone.String())
	require.Equal(t, "open", ActiveOpen.String())
}
