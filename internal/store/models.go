package store

import (
	"time"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

var ErrInvalidTheme = errors.New("invalid theme")

// ParseTheme accepts only the two literal theme values.
func ParseTheme(s string) (Theme, error) {
	switch Theme(s) {
	case ThemeLight, ThemeDark:
		return Theme(s), nil
	}
	return "", errors.Wrapf(ErrInvalidTheme, "%q", s)
}

// Toggle returns the opposite theme.
func (t Theme) Toggle() Theme {
	if t == ThemeDark {
		return ThemeLight
	}
	return ThemeDark
}

type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Attachments []string  `json:"attachments,omitempty"` // base64, no data-URI prefix
	Degraded    bool      `json:"degraded,omitempty"`    // assistant reply built from a fallback text
}

type Conversation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Messages   []Message `json:"messages"`
	LastUpdate time.Time `json:"lastUpdate"`
}
