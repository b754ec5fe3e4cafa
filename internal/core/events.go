package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"drsamy.app/chat/internal/logging"
)

const sessionTopic = "session"

type EventType string

const (
	EventActiveChanged       EventType = "active_changed"
	EventConversationCreated EventType = "conversation_created"
	EventMessageAppended     EventType = "message_appended"
	EventTitleUpdated        EventType = "title_updated"
	EventConversationDeleted EventType = "conversation_deleted"
	EventLoadingChanged      EventType = "loading_changed"
	EventThemeChanged        EventType = "theme_changed"
	EventSendFailed          EventType = "send_failed"
)

// Event tells observers that session state changed. Observers re-read the
// state they care about; the event only says what moved.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	At             time.Time `json:"at"`
}

type eventBus struct {
	pubSub *gochannel.GoChannel
}

func newEventBus() *eventBus {
	return &eventBus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, logging.NewWatermill(log.Logger)),
	}
}

func (b *eventBus) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal session event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubSub.Publish(sessionTopic, msg); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("failed to publish session event")
	}
}

// subscribe decodes and acks watermill messages until ctx is done.
func (b *eventBus) subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.pubSub.Subscribe(ctx, sessionTopic)
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to session events")
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev Event
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				log.Warn().Err(err).Msg("dropping undecodable session event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *eventBus) close() error {
	return b.pubSub.Close()
}
