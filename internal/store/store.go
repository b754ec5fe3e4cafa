// Package store persists the conversation collection and the theme preference.
//
// Both backends keep the whole collection as a single JSON document and
// replace it on every save, so a reader never observes a partial write.
package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	ConversationsKey = "dr_samy_chats"
	ThemeKey         = "dr_samy_theme"
)

// Store is the persistence adapter used by the session manager.
type Store interface {
	// LoadConversations returns ok=false when nothing was stored yet or when
	// the stored document could not be parsed.
	LoadConversations(ctx context.Context) (conversations []Conversation, ok bool, err error)
	SaveConversations(ctx context.Context, conversations []Conversation) error
	LoadTheme(ctx context.Context) (Theme, error)
	SaveTheme(ctx context.Context, theme Theme) error
	Close() error
}

func encodeConversations(conversations []Conversation) ([]byte, error) {
	if conversations == nil {
		conversations = []Conversation{}
	}
	b, err := json.Marshal(conversations)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal conversations")
	}
	return b, nil
}

// decodeConversations fails soft: a malformed document is logged and
// reported as "no history".
func decodeConversations(raw []byte) ([]Conversation, bool) {
	var conversations []Conversation
	if err := json.Unmarshal(raw, &conversations); err != nil {
		log.Error().Err(err).Int("bytes", len(raw)).Msg("Failed to parse stored conversations, starting with empty history")
		return nil, false
	}
	for i := range conversations {
		if conversations[i].Messages == nil {
			conversations[i].Messages = []Message{}
		}
	}
	return conversations, true
}

// decodeTheme maps anything that is not a valid theme to light.
func decodeTheme(raw string) Theme {
	if raw == "" {
		return ThemeLight
	}
	theme, err := ParseTheme(raw)
	if err != nil {
		log.Warn().Str("value", raw).Msg("Ignoring stored theme, falling back to light")
		return ThemeLight
	}
	return theme
}
