package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"drsamy.app/chat/internal/store"
)

const (
	titlePreviewRunes = 30
	titleEllipsis     = "..."
	// the generated title replaces the preview while the conversation holds
	// at most this many messages, i.e. only after the first exchange
	titleRefreshMaxMessages = 3
)

var (
	ErrEmptyMessage         = errors.New("message has neither text nor attachments")
	ErrAssistantFailed      = errors.New("assistant call failed")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationDeleted  = errors.New("conversation deleted while waiting for the assistant")
)

// Assistant produces replies and titles. Implementations report remote
// trouble through degraded replies; a returned error means no reply at all.
type Assistant interface {
	GenerateResponse(ctx context.Context, prompt string, history []Turn, attachments []string) (Reply, error)
	GenerateTitle(ctx context.Context, firstMessage string) (Reply, error)
}

type ActiveState int

const (
	// ActiveNone: no conversation is targeted.
	ActiveNone ActiveState = iota
	// ActivePending: an id was handed out by StartNewChat but nothing was sent yet.
	ActivePending
	// ActiveOpen: the active id refers to a stored conversation.
	ActiveOpen
)

func (s ActiveState) String() string {
	switch s {
	case ActivePending:
		return "pending"
	case ActiveOpen:
		return "open"
	default:
		return "none"
	}
}

func (s ActiveState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type SessionSnapshot struct {
	ActiveID    string      `json:"active_id,omitempty"`
	ActiveState ActiveState `json:"active_state"`
	Loading     bool        `json:"loading"`
	Theme       store.Theme `json:"theme"`
}

type SendResult struct {
	Conversation     store.Conversation `json:"conversation"`
	UserMessage      store.Message      `json:"user_message"`
	AssistantMessage *store.Message     `json:"assistant_message,omitempty"`
	Degraded         bool               `json:"degraded"`
	DegradedReason   DegradedReason     `json:"degraded_reason,omitempty"`
	TitleUpdated     bool               `json:"title_updated"`
}

// ChatService is the conversation session manager: it owns the conversation
// collection, the active pointer and the theme, and writes the collection
// through to the store after every mutation.
type ChatService struct {
	store     store.Store
	assistant Assistant
	events    *eventBus
	now       func() time.Time
	newID     func() string

	mu            sync.Mutex
	conversations []*store.Conversation // insertion order
	activeID      string
	theme         store.Theme
	inFlight      int

	locksMu   sync.Mutex
	convLocks map[string]*sync.Mutex
}

type Option func(*ChatService)

func WithClock(now func() time.Time) Option {
	return func(s *ChatService) {
		s.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *ChatService) {
		s.newID = newID
	}
}

// NewChatService loads the collection and the theme once. Unreadable history
// is logged and replaced by an empty collection.
func NewChatService(ctx context.Context, st store.Store, assistant Assistant, options ...Option) *ChatService {
	s := &ChatService{
		store:     st,
		assistant: assistant,
		events:    newEventBus(),
		now:       time.Now,
		newID:     uuid.NewString,
		theme:     store.ThemeLight,
		convLocks: map[string]*sync.Mutex{},
	}
	for _, o := range options {
		o(s)
	}

	loaded, ok, err := st.LoadConversations(ctx)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("Failed to load conversations, starting with empty history")
	case ok:
		seen := make(map[string]bool, len(loaded))
		for i := range loaded {
			c := loaded[i]
			if seen[c.ID] {
				log.Warn().Str("conversation_id", c.ID).Msg("Dropping duplicate conversation id from stored history")
				continue
			}
			seen[c.ID] = true
			s.conversations = append(s.conversations, &c)
		}
	}

	theme, err := st.LoadTheme(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load theme, using light")
	} else {
		s.theme = theme
	}

	log.Info().Int("conversations", len(s.conversations)).Str("theme", string(s.theme)).Msg("Chat session loaded")
	return s
}

func (s *ChatService) Close() error {
	return s.events.close()
}

// Subscribe streams session events until ctx is done.
func (s *ChatService) Subscribe(ctx context.Context) (<-chan Event, error) {
	return s.events.subscribe(ctx)
}

func (s *ChatService) emit(t EventType, conversationID string) {
	s.events.publish(Event{Type: t, ConversationID: conversationID, At: s.now()})
}

// StartNewChat hands out a fresh id and makes it active. The conversation
// itself is only created when the first message is sent.
func (s *ChatService) StartNewChat() string {
	id := s.newID()
	s.mu.Lock()
	s.activeID = id
	s.mu.Unlock()

	s.emit(EventActiveChanged, id)
	return id
}

// SelectConversation makes an existing conversation active.
func (s *ChatService) SelectConversation(id string) error {
	s.mu.Lock()
	if s.findLocked(id) == nil {
		s.mu.Unlock()
		return errors.Wrapf(ErrConversationNotFound, "%s", id)
	}
	s.activeID = id
	s.mu.Unlock()

	s.emit(EventActiveChanged, id)
	return nil
}

func (s *ChatService) Active() (string, ActiveState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID, s.activeStateLocked()
}

func (s *ChatService) activeStateLocked() ActiveState {
	switch {
	case s.activeID == "":
		return ActiveNone
	case s.findLocked(s.activeID) == nil:
		return ActivePending
	default:
		return ActiveOpen
	}
}

func (s *ChatService) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight > 0
}

func (s *ChatService) Session() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		ActiveID:    s.activeID,
		ActiveState: s.activeStateLocked(),
		Loading:     s.inFlight > 0,
		Theme:       s.theme,
	}
}

// ListConversations returns copies ordered by LastUpdate, most recent first.
// Equal timestamps keep insertion order.
func (s *ChatService) ListConversations() []store.Conversation {
	s.mu.Lock()
	list := make([]store.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		list = append(list, cloneConversation(c))
	}
	s.mu.Unlock()

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastUpdate.After(list[j].LastUpdate)
	})
	return list
}

func (s *ChatService) Conversation(id string) (store.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(id)
	if c == nil {
		return store.Conversation{}, false
	}
	return cloneConversation(c), true
}

// DeleteConversation removes the conversation and clears the active pointer
// if it pointed at it. Unknown ids are a no-op.
func (s *ChatService) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := -1
	for i, c := range s.conversations {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)
	activeCleared := s.activeID == id
	if activeCleared {
		s.activeID = ""
	}
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	log.Info().Str("conversation_id", id).Bool("active_cleared", activeCleared).Msg("Conversation deleted")
	s.emit(EventConversationDeleted, id)
	if activeCleared {
		s.emit(EventActiveChanged, "")
	}
	return err
}

func (s *ChatService) Theme() store.Theme {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.theme
}

// SetTheme applies the theme and persists it right away.
func (s *ChatService) SetTheme(ctx context.Context, theme store.Theme) error {
	if _, err := store.ParseTheme(string(theme)); err != nil {
		return err
	}
	s.mu.Lock()
	s.theme = theme
	s.mu.Unlock()

	s.emit(EventThemeChanged, "")
	return errors.Wrap(s.store.SaveTheme(ctx, theme), "failed to save theme")
}

func (s *ChatService) ToggleTheme(ctx context.Context) (store.Theme, error) {
	s.mu.Lock()
	theme := s.theme.Toggle()
	s.mu.Unlock()
	return theme, s.SetTheme(ctx, theme)
}

// SendMessage appends a user message to the conversation activeID (creating
// it on first send), asks the assistant for a reply and appends it.
//
// Nothing is mutated when validation or attachment encoding fails. When the
// assistant itself fails the user message stays, no reply is appended and
// the returned error wraps ErrAssistantFailed. Remote calls are not
// cancelled by ctx once issued.
func (s *ChatService) SendMessage(ctx context.Context, activeID, text string, files []File) (*SendResult, error) {
	if strings.TrimSpace(text) == "" && len(files) == 0 {
		return nil, ErrEmptyMessage
	}

	attachments, err := EncodeAttachments(ctx, files)
	if err != nil {
		return nil, err
	}

	id := activeID
	if id == "" {
		id = s.newID()
	}
	unlock := s.lockConversation(id)
	defer unlock()

	callCtx := context.WithoutCancel(ctx)
	logger := log.With().Str("conversation_id", id).Logger()

	s.mu.Lock()
	now := s.now()
	userMsg := store.Message{
		ID:          s.newID(),
		Role:        store.RoleUser,
		Content:     text,
		Timestamp:   now,
		Attachments: attachments,
	}
	conv := s.findLocked(id)
	created := conv == nil
	if created {
		conv = &store.Conversation{
			ID:         id,
			Title:      previewTitle(text),
			Messages:   []store.Message{userMsg},
			LastUpdate: now,
		}
		s.conversations = append(s.conversations, conv)
	} else {
		conv.Messages = append(conv.Messages, userMsg)
		conv.LastUpdate = now
	}
	activeChanged := s.activeID != id
	s.activeID = id
	history := historyOf(conv.Messages[:len(conv.Messages)-1])
	s.inFlight++
	s.persistOrLogLocked(callCtx)
	s.mu.Unlock()

	if created {
		logger.Info().Msg("Conversation created")
		s.emit(EventConversationCreated, id)
	}
	if activeChanged {
		s.emit(EventActiveChanged, id)
	}
	s.emit(EventMessageAppended, id)
	s.emit(EventLoadingChanged, id)
	defer s.endLoading(id)

	result := &SendResult{UserMessage: userMsg}

	reply, err := s.assistant.GenerateResponse(callCtx, text, history, attachments)
	if err != nil {
		logger.Error().Err(err).Msg("Assistant call failed, no reply appended")
		s.emit(EventSendFailed, id)
		if c, ok := s.Conversation(id); ok {
			result.Conversation = c
		}
		return result, errors.Wrapf(ErrAssistantFailed, "%v", err)
	}
	if reply.Degraded {
		logger.Warn().Str("reason", string(reply.Reason)).Msg("Appending degraded assistant reply")
	}

	s.mu.Lock()
	conv = s.findLocked(id)
	if conv == nil {
		s.mu.Unlock()
		logger.Warn().Msg("Conversation deleted before the reply arrived, dropping it")
		return result, ErrConversationDeleted
	}
	assistantMsg := store.Message{
		ID:        s.newID(),
		Role:      store.RoleAssistant,
		Content:   reply.Text,
		Timestamp: s.now(),
		Degraded:  reply.Degraded,
	}
	conv.Messages = append(conv.Messages, assistantMsg)
	conv.LastUpdate = assistantMsg.Timestamp
	refreshTitle := len(conv.Messages) <= titleRefreshMaxMessages
	s.persistOrLogLocked(callCtx)
	s.mu.Unlock()
	s.emit(EventMessageAppended, id)

	result.AssistantMessage = &assistantMsg
	result.Degraded = reply.Degraded
	result.DegradedReason = reply.Reason

	if refreshTitle {
		result.TitleUpdated = s.refreshTitle(callCtx, id, text)
	}

	if c, ok := s.Conversation(id); ok {
		result.Conversation = c
	}
	return result, nil
}

// refreshTitle replaces the title with a generated one. Degraded titles are
// not applied so the preview title survives a missing key or an outage.
func (s *ChatService) refreshTitle(ctx context.Context, id, text string) bool {
	reply, err := s.assistant.GenerateTitle(ctx, text)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", id).Msg("Title generation failed")
		return false
	}
	if reply.Degraded {
		log.Debug().Str("conversation_id", id).Str("reason", string(reply.Reason)).Msg("Keeping preview title")
		return false
	}

	s.mu.Lock()
	conv := s.findLocked(id)
	if conv == nil {
		s.mu.Unlock()
		return false
	}
	conv.Title = reply.Text
	conv.LastUpdate = s.now()
	s.persistOrLogLocked(ctx)
	s.mu.Unlock()

	log.Debug().Str("conversation_id", id).Str("title", reply.Text).Msg("Title updated")
	s.emit(EventTitleUpdated, id)
	return true
}

func (s *ChatService) endLoading(id string) {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	s.emit(EventLoadingChanged, id)
}

// lockConversation serializes sends per conversation id.
func (s *ChatService) lockConversation(id string) func() {
	s.locksMu.Lock()
	l, ok := s.convLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.convLocks[id] = l
	}
	s.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *ChatService) findLocked(id string) *store.Conversation {
	for _, c := range s.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *ChatService) persistLocked(ctx context.Context) error {
	snapshot := make([]store.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		snapshot[i] = *c
	}
	if err := s.store.SaveConversations(ctx, snapshot); err != nil {
		return errors.Wrap(err, "failed to save conversations")
	}
	return nil
}

// persistOrLogLocked is used mid-send, where a failed write must not abort
// the exchange. The next successful save rewrites everything anyway.
func (s *ChatService) persistOrLogLocked(ctx context.Context) {
	if err := s.persistLocked(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to persist conversations")
	}
}

func cloneConversation(c *store.Conversation) store.Conversation {
	return clone.Clone(*c).(store.Conversation)
}

func historyOf(messages []store.Message) []Turn {
	history := make([]Turn, 0, len(messages))
	for _, m := range messages {
		history = append(history, Turn{Role: m.Role, Content: m.Content})
	}
	return history
}

// previewTitle is the first 30 characters of text, with an ellipsis when cut.
func previewTitle(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return DefaultTitle
	}
	if len(runes) > titlePreviewRunes {
		return fmt.Sprintf("%s%s", string(runes[:titlePreviewRunes]), titleEllipsis)
	}
	return string(runes)
}
