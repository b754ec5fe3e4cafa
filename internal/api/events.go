package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"

	"drsamy.app/chat/internal/core"
)

const (
	pongWait   = 45 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 5 * time.Second
)

// EventsHandler pushes session events to WebSocket clients as JSON frames.
type EventsHandler struct {
	chatService *core.ChatService
	upgrader    websocket.Upgrader
}

func NewEventsHandler(cs *core.ChatService, allowedOrigins []string) *EventsHandler {
	return &EventsHandler{
		chatService: cs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkWSOrigin(allowedOrigins),
		},
	}
}

func checkWSOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if u, err := url.Parse(o); err == nil {
			allowed[u.Host] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return allowed[u.Host]
	}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := h.chatService.Subscribe(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Event subscription failed")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "events unavailable"))
		return
	}
	logger.Debug().Msg("Event stream opened")

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// reads only detect disconnects; clients send nothing
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug().Err(err).Msg("Event stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			logger.Debug().Msg("Event stream closed")
			return
		}
	}
}
