package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thehijacker/dicesoccer-sub001/internal/events"
	"github.com/thehijacker/dicesoccer-sub001/internal/logging"
	"github.com/thehijacker/dicesoccer-sub001/internal/netapi"
)

// Hub serves the push-channel transport: one websocket per player carrying
// client intents upward and acknowledgements plus server events downward.
type Hub struct {
	relay    *Relay
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// client is one connected push channel.
type client struct {
	conn     *websocket.Conn
	send     chan []byte
	playerID string

	mu     sync.Mutex
	closed bool
}

// NewHub constructs the hub. An empty allowedOrigins list admits any origin.
func NewHub(r *Relay, logger *logging.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = logging.L()
	}
	h := &Hub{
		relay:  r,
		logger: logger.With(logging.String("component", "hub")),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := req.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeWS upgrades the request and runs the channel until the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}

	// writer
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer func() {
			ticker.Stop()
			c.conn.Close()
		}()
		for {
			select {
			case msg, ok := <-c.send:
				if !ok {
					_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ticker.C:
				if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
					return
				}
			}
		}
	}()

	// reader
	var detach func()
	defer func() {
		if detach != nil {
			detach()
		}
		c.closeSend()
	}()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if c.playerID != "" {
				h.logger.Info("push channel closed", logging.String("player_id", c.playerID))
			}
			return
		}
		var frame netapi.PushFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			h.logger.Warn("malformed push frame", logging.Error(err))
			continue
		}
		if frame.Op == netapi.PushOpHello {
			detach = h.handleHello(c, frame, detach)
			continue
		}
		h.handleFrame(c, frame)
	}
}

// handleHello binds the channel to a player and replays any missed game
// events named by the resume marker.
func (h *Hub) handleHello(c *client, frame netapi.PushFrame, prevDetach func()) func() {
	var hello netapi.HelloBody
	if err := json.Unmarshal(frame.Body, &hello); err != nil || hello.PlayerID == "" {
		c.ack(frame.Seq, nil, netapi.Protocolf("malformed hello"))
		return prevDetach
	}
	if prevDetach != nil {
		prevDetach()
	}
	c.playerID = hello.PlayerID
	detach := h.relay.RegisterPusher(hello.PlayerID, func(ev events.Event) {
		c.push(ev)
	})
	c.ack(frame.Seq, nil, nil)

	if hello.ResumeGame != "" {
		//1.- Replay the addressed events the client missed while disconnected.
		for _, ev := range h.relay.ReplayGame(hello.ResumeGame, hello.PlayerID, hello.LastEventID) {
			c.push(ev)
		}
	}
	h.logger.Info("push channel bound", logging.String("player_id", hello.PlayerID))
	return detach
}

// handleFrame dispatches one client intent and acknowledges it.
func (h *Hub) handleFrame(c *client, frame netapi.PushFrame) {
	if c.playerID == "" {
		c.ack(frame.Seq, nil, netapi.Protocolf("hello required before %q", frame.Op))
		return
	}
	switch frame.Op {
	case netapi.PushOpEnterLobby:
		var req netapi.EnterLobbyRequest
		if err := json.Unmarshal(frame.Body, &req); err != nil {
			c.ack(frame.Seq, nil, netapi.Protocolf("malformed body"))
			return
		}
		c.ack(frame.Seq, nil, h.relay.EnterLobby(req.PlayerID, req.DisplayName))
	case netapi.PushOpLobbyPlayers:
		view, err := h.relay.Players(c.playerID)
		c.ack(frame.Seq, view, err)
	case netapi.PushOpLeaveLobby:
		c.ack(frame.Seq, nil, h.relay.LeaveLobby(c.playerID))
	case netapi.PushOpSendChallenge:
		var req netapi.ChallengeRequest
		if err := json.Unmarshal(frame.Body, &req); err != nil {
			c.ack(frame.Seq, nil, netapi.Protocolf("malformed body"))
			return
		}
		c.ack(frame.Seq, nil, h.relay.SendChallenge(c.playerID, req.TargetID, req.Options))
	case netapi.PushOpAcceptChallenge:
		var req netapi.ChallengeAnswerRequest
		if err := json.Unmarshal(frame.Body, &req); err != nil {
			c.ack(frame.Seq, nil, netapi.Protocolf("malformed body"))
			return
		}
		assignment, err := h.relay.AcceptChallenge(c.playerID, req.ChallengerID)
		if err != nil {
			c.ack(frame.Seq, nil, err)
			return
		}
		c.ack(frame.Seq, assignment, nil)
	case netapi.PushOpDeclineChallenge:
		var req netapi.ChallengeAnswerRequest
		if err := json.Unmarshal(frame.Body, &req); err != nil {
			c.ack(frame.Seq, nil, netapi.Protocolf("malformed body"))
			return
		}
		c.ack(frame.Seq, nil, h.relay.DeclineChallenge(c.playerID, req.ChallengerID))
	case netapi.PushOpSendEvent:
		var req netapi.GameEventRequest
		if err := json.Unmarshal(frame.Body, &req); err != nil {
			c.ack(frame.Seq, nil, netapi.Protocolf("malformed body"))
			return
		}
		c.ack(frame.Seq, nil, h.relay.SendEvent(req.GameID, c.playerID, req.Event))
	case netapi.PushOpHeartbeat:
		c.ack(frame.Seq, nil, h.relay.Heartbeat(c.playerID))
	case netapi.PushOpLeaveGame:
		var req netapi.GameRequest
		if err := json.Unmarshal(frame.Body, &req); err != nil {
			c.ack(frame.Seq, nil, netapi.Protocolf("malformed body"))
			return
		}
		c.ack(frame.Seq, nil, h.relay.LeaveGame(req.GameID, c.playerID))
	default:
		c.ack(frame.Seq, nil, netapi.Protocolf("unknown op %q", frame.Op))
	}
}

// ack writes the acknowledgement frame for one client intent.
func (c *client) ack(seq uint64, data any, err error) {
	frame := netapi.ServerFrame{Kind: netapi.PushKindAck, Seq: seq, OK: err == nil}
	if err != nil {
		frame.Error = strings.TrimPrefix(err.Error(), netapi.ErrProtocol.Error()+": ")
	} else if data != nil {
		if encoded, marshalErr := json.Marshal(data); marshalErr == nil {
			frame.Data = encoded
		}
	}
	c.write(frame)
}

// push delivers one server-initiated event down the channel.
func (c *client) push(ev events.Event) {
	c.write(netapi.ServerFrame{Kind: netapi.PushKindEvent, Event: &ev})
}

func (c *client) write(frame netapi.ServerFrame) {
	msg, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// closeSend stops the writer once no more frames can be queued.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
