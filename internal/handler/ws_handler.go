package handler

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/streamer-status/internal/hub"
	"github.com/weiawesome/streamer-status/internal/protocol"
	"github.com/weiawesome/streamer-status/pkg/log"
)

// WSHandler accepts websocket subscribers.
type WSHandler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
}

func NewWSHandler(h *hub.Hub) *WSHandler {
	return &WSHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the request and starts the client pumps.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := log.Ctx(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(h.hub, conn)
	if err := h.hub.Register(client); err != nil {
		l.Warn().Err(err).Msg("rejecting websocket, hub stopped")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump(h.handleMessage)
}

// handleMessage validates inbound frames. Activity was already recorded
// by the read pump, so invalid frames only get logged.
func (h *WSHandler) handleMessage(c *hub.Client, raw []byte) {
	l := log.L()

	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			l.Debug().Err(err).Str(log.FieldConnID, c.ID).Msg("ignoring unknown client message")
		} else {
			l.Warn().Err(err).Str(log.FieldConnID, c.ID).Msg("ignoring invalid client message")
		}
		return
	}

	switch msg.Type {
	case protocol.TypePong:
		if msg.Pong.ID != c.ID || msg.ID != c.ID {
			l.Debug().Str(log.FieldConnID, c.ID).Str("pong_id", msg.Pong.ID).Msg("pong id does not match connection")
		}
	}
}
