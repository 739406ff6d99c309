package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/akulov/nbhub/internal/hub"
	"github.com/akulov/nbhub/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

// EventsHandler streams lifecycle events to admins over a WebSocket.
type EventsHandler struct {
	ctrl          *hub.Controller
	allowedOrigin string
	isDev         bool
}

// NewEventsHandler creates the event feed handler.
func NewEventsHandler(ctrl *hub.Controller, allowedOrigin string, isDev bool) *EventsHandler {
	return &EventsHandler{ctrl: ctrl, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeHTTP upgrades the connection and forwards lifecycle events until the
// client goes away. Admin only.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	if caller == nil || !caller.Admin {
		Error(w, http.StatusForbidden, "admin access required")
		return
	}

	opts := &websocket.AcceptOptions{}
	if h.isDev {
		opts.InsecureSkipVerify = true
	} else if h.allowedOrigin != "" {
		opts.OriginPatterns = []string{h.allowedOrigin}
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, cancel := h.ctrl.Subscribe()
	defer cancel()

	slog.Info("Event feed subscribed", "admin", caller.Name)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancelWrite()
			if err != nil {
				slog.Debug("Event feed write failed, closing", "error", err)
				return
			}
		}
	}
}
