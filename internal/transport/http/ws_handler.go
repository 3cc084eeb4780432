package http

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"challenge-sync-service/internal/app"
	"challenge-sync-service/internal/authority"
	"challenge-sync-service/internal/channel"
	"challenge-sync-service/internal/domain"
)

// GameSettings carries the host-side round pacing.
type GameSettings struct {
	CountdownSeconds      int
	ResultsDisplaySeconds int
}

// WSHandler bridges browser clients onto the sync engine: one websocket, one
// session. Commands flow in (start, answer, cancel); engine updates flow out.
type WSHandler struct {
	channel  channel.Channel
	auth     authority.Authority
	clock    clockwork.Clock
	log      zerolog.Logger
	settings GameSettings
	upgrader websocket.Upgrader
}

func NewWSHandler(ch channel.Channel, auth authority.Authority, clock clockwork.Clock, log zerolog.Logger, settings GameSettings) *WSHandler {
	return &WSHandler{
		channel:  ch,
		auth:     auth,
		clock:    clock,
		log:      log,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes wires the handler into a router.
func (h *WSHandler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.HandleFunc("/ws", h.ServeWS)
	return r
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	Answer string `json:"answer"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request and runs the session until the socket or the
// session ends.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	roomCode := query.Get("room")
	displayName := query.Get("name")
	if roomCode == "" || displayName == "" {
		http.Error(w, "missing room or name", http.StatusBadRequest)
		return
	}
	playerID := query.Get("playerId")
	if playerID == "" {
		// First visit without a stored identity; reconnects reuse the id.
		playerID = uuid.NewString()
	}
	role := domain.RolePlayer
	if query.Get("role") == string(domain.RoleHost) {
		role = domain.RoleHost
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	session, err := app.Join(r.Context(), h.channel, h.auth, h.clock, h.log, app.Config{
		RoomCode: roomCode,
		Role:     role,
		Self: domain.PresenceRecord{
			PlayerID:    playerID,
			DisplayName: displayName,
			AvatarURL:   query.Get("avatar"),
			IsHost:      role == domain.RoleHost,
		},
		CountdownSeconds:      h.settings.CountdownSeconds,
		ResultsDisplaySeconds: h.settings.ResultsDisplaySeconds,
	})
	if err != nil {
		_ = conn.WriteJSON(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer func() {
		if err := session.Leave(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("session teardown incomplete")
		}
	}()

	send := make(chan outboundMessage, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-session.Updates():
				if !ok {
					return
				}
				select {
				case send <- outboundMessage{Type: string(update.Kind), Payload: update.Payload}:
				case <-closeSignals:
					return
				}
			case <-session.Done():
				return
			case <-closeSignals:
				return
			}
		}
	}()

	send <- outboundMessage{Type: "joined", Payload: session.Players()}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "start":
			if err := session.Start(r.Context()); err != nil {
				send <- outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}}
			}
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}}
				continue
			}
			result, err := session.SubmitAnswer(r.Context(), payload.Answer)
			if err != nil {
				send <- outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}}
				continue
			}
			send <- outboundMessage{Type: "answer_result", Payload: result}
		case "cancel":
			if err := session.Cancel(r.Context()); err != nil {
				send <- outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}}
			}
		default:
			send <- outboundMessage{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}
