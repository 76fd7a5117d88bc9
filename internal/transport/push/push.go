// Package push implements the transport backend that exchanges events with the
// relay over one persistent websocket, letting the server deliver without the
// client polling. The backend owns transport mechanics only: request frames
// with application-level acknowledgements, and re-establishing application
// state after a reconnect.
package push

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thehijacker/dicesoccer-sub001/internal/events"
	"github.com/thehijacker/dicesoccer-sub001/internal/logging"
	"github.com/thehijacker/dicesoccer-sub001/internal/netapi"
	"github.com/thehijacker/dicesoccer-sub001/internal/reconnect"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Options configures the backend.
type Options struct {
	BaseURL        string
	ConnectTimeout time.Duration
	LedgerCapacity int
	Logger         *logging.Logger
	Controller     *reconnect.Controller
	Dialer         *websocket.Dialer
}

// Backend is the push-channel implementation of netapi.Backend.
type Backend struct {
	wsURL          string
	dialer         *websocket.Dialer
	logger         *logging.Logger
	controller     *reconnect.Controller
	sink           netapi.Sink
	ledger         *events.Ledger
	connectTimeout time.Duration

	mu          sync.Mutex
	conn        *websocket.Conn
	pending     map[uint64]chan netapi.ServerFrame
	playerID    string
	displayName string
	gameID      string

	seq        atomic.Uint64
	active     atomic.Bool
	recovering atomic.Bool
	cancel     context.CancelFunc
	runCtx     context.Context
}

// New constructs the backend. Events that survive deduplication are handed to
// the sink in delivery order.
func New(opts Options, sink netapi.Sink) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	controller := opts.Controller
	if controller == nil {
		controller = reconnect.New(reconnect.Options{Logger: logger})
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 8 * time.Second
	}
	wsURL, err := pushURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	return &Backend{
		wsURL:          wsURL,
		dialer:         dialer,
		logger:         logger.With(logging.String("transport", "push")),
		controller:     controller,
		sink:           sink,
		ledger:         events.NewLedger(opts.LedgerCapacity),
		connectTimeout: connectTimeout,
		pending:        make(map[uint64]chan netapi.ServerFrame),
	}, nil
}

// pushURL derives the websocket endpoint from the configured server URL.
func pushURL(base string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", netapi.Connectivityf("invalid server URL %q: %v", base, err)
	}
	switch parsed.Scheme {
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + netapi.PathPush
	return parsed.String(), nil
}

// Connect dials the relay within the connect timeout and starts the reader.
func (b *Backend) Connect(ctx context.Context) error {
	b.controller.MarkConnecting()
	runCtx, cancel := context.WithCancel(context.Background())
	b.runCtx = runCtx
	b.cancel = cancel
	if err := b.dial(ctx); err != nil {
		cancel()
		b.controller.MarkDisconnected()
		return err
	}
	b.active.Store(true)
	b.controller.MarkConnected()
	return nil
}

func (b *Backend) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()
	conn, _, err := b.dialer.DialContext(dialCtx, b.wsURL, nil)
	if err != nil {
		return netapi.Connectivityf("dial %s: %v", b.wsURL, err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	go b.readPump(conn)
	go b.pinger(conn)
	return nil
}

// Close synchronously flips the active flag before closing the socket, so a
// read completing afterwards cannot trigger recovery.
func (b *Backend) Close() error {
	if !b.active.Swap(false) {
		return nil
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.closeConn()
	b.failPending()
	return nil
}

func (b *Backend) closeConn() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

// SetDeliveryKey records the stream the session listens on. Binding a new game
// resets the dedup ledger; the relay keeps pushing regardless, so the key also
// doubles as the resume marker after a reconnect.
func (b *Backend) SetDeliveryKey(key netapi.DeliveryKey) {
	b.mu.Lock()
	previous := b.gameID
	if key.Kind == netapi.KeyGame {
		b.gameID = key.ID
	} else {
		b.gameID = ""
	}
	changed := key.Kind == netapi.KeyGame && key.ID != previous
	b.mu.Unlock()
	if changed {
		b.ledger.Reset()
	}
}

// readPump consumes server frames until the connection drops, then hands off
// to recovery while the backend stays active.
func (b *Backend) readPump(conn *websocket.Conn) {
	for {
		var frame netapi.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if b.active.Load() && b.runCtx.Err() == nil {
				b.logger.Warn("push channel dropped", logging.Error(err))
				go b.recover()
			}
			return
		}
		switch frame.Kind {
		case netapi.PushKindAck:
			b.resolvePending(frame)
		case netapi.PushKindEvent:
			if frame.Event != nil {
				b.handleEvent(*frame.Event)
			}
		}
	}
}

// pinger keeps the connection alive; the pump stops with the connection.
func (b *Backend) pinger(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if !b.active.Load() {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}

// handleEvent runs the admit path. Transport-level redelivery after a
// reconnect is exactly what the ledger is for.
func (b *Backend) handleEvent(ev events.Event) {
	if b.ledger.Admit(ev) == events.Skip {
		b.logger.Debug("suppressed resent event", logging.Int64("event_id", ev.ID))
		return
	}
	if ev.Type == events.TypeChallengeAccepted {
		var assignment netapi.GameAssignment
		if err := json.Unmarshal(ev.Payload, &assignment); err == nil && assignment.GameID != "" {
			b.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyGame, ID: assignment.GameID})
		}
	}
	if b.sink != nil {
		b.sink(ev)
	}
}

// recover re-dials with the shared bounded backoff policy and then restores
// application state: identity announcement and, when a game was in progress,
// a resume request replaying events past the ledger cursor.
func (b *Backend) recover() {
	if !b.recovering.CompareAndSwap(false, true) {
		return
	}
	defer b.recovering.Store(false)

	err := b.controller.Reconnect(b.runCtx, b.closeConn, func(ctx context.Context) error {
		if err := b.dial(ctx); err != nil {
			return err
		}
		//1.- Re-announce who we are and ask for the in-progress game, if any.
		return b.announce(ctx)
	})
	if err != nil {
		if b.runCtx.Err() != nil {
			return
		}
		b.logger.Error("push retry budget exhausted", logging.Error(err))
		//2.- Release the transport before the notice so a later lobby entry
		// re-runs Connect with a fresh run context and socket.
		b.active.Store(false)
		if b.cancel != nil {
			b.cancel()
		}
		b.failPending()
		if b.sink != nil {
			b.sink(events.Event{Type: events.TypeConnectionLost})
		}
	}
}

// announce sends the hello frame carrying identity and the resume marker.
func (b *Backend) announce(ctx context.Context) error {
	b.mu.Lock()
	hello := netapi.HelloBody{
		PlayerID:    b.playerID,
		DisplayName: b.displayName,
		ResumeGame:  b.gameID,
	}
	b.mu.Unlock()
	if hello.PlayerID == "" {
		return nil
	}
	if hello.ResumeGame != "" {
		hello.LastEventID = b.ledger.LastID()
	}
	_, err := b.request(ctx, netapi.PushOpHello, hello)
	return err
}

// request writes one client frame and waits for its acknowledgement.
func (b *Backend) request(ctx context.Context, op string, body any) (netapi.ServerFrame, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return netapi.ServerFrame{}, netapi.Protocolf("encode %s: %v", op, err)
	}
	seq := b.seq.Add(1)
	frame := netapi.PushFrame{Op: op, Seq: seq, Body: payload}

	reply := make(chan netapi.ServerFrame, 1)
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return netapi.ServerFrame{}, netapi.Connectivityf("push channel not connected")
	}
	b.pending[seq] = reply
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	writeErr := conn.WriteJSON(frame)
	b.mu.Unlock()

	if writeErr != nil {
		b.dropPending(seq)
		return netapi.ServerFrame{}, netapi.Connectivityf("%s: %v", op, writeErr)
	}
	select {
	case <-ctx.Done():
		b.dropPending(seq)
		return netapi.ServerFrame{}, netapi.Connectivityf("%s: %v", op, ctx.Err())
	case ack, ok := <-reply:
		if !ok {
			return netapi.ServerFrame{}, netapi.Connectivityf("%s: channel lost before acknowledgement", op)
		}
		if !ack.OK {
			return ack, netapi.Protocolf("%s", ack.Error)
		}
		return ack, nil
	}
}

func (b *Backend) resolvePending(frame netapi.ServerFrame) {
	b.mu.Lock()
	reply, ok := b.pending[frame.Seq]
	if ok {
		delete(b.pending, frame.Seq)
	}
	b.mu.Unlock()
	if ok {
		reply <- frame
	}
}

func (b *Backend) dropPending(seq uint64) {
	b.mu.Lock()
	delete(b.pending, seq)
	b.mu.Unlock()
}

// failPending wakes every in-flight request with a closed channel so callers
// observe a connectivity failure instead of blocking forever.
func (b *Backend) failPending() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[uint64]chan netapi.ServerFrame)
	b.mu.Unlock()
	for _, reply := range pending {
		close(reply)
	}
}

// EnterLobby announces the player, capturing identity for later re-announce.
// The hello frame binds the channel to the player before any other intent.
func (b *Backend) EnterLobby(ctx context.Context, playerID, displayName string) error {
	b.mu.Lock()
	b.playerID = playerID
	b.displayName = displayName
	b.mu.Unlock()
	if err := b.announce(ctx); err != nil {
		return err
	}
	_, err := b.request(ctx, netapi.PushOpEnterLobby, netapi.EnterLobbyRequest{PlayerID: playerID, DisplayName: displayName})
	return err
}

// LobbyPlayers fetches a full replacement lobby view.
func (b *Backend) LobbyPlayers(ctx context.Context, playerID string) (netapi.LobbyView, error) {
	ack, err := b.request(ctx, netapi.PushOpLobbyPlayers, netapi.PlayerRequest{PlayerID: playerID})
	if err != nil {
		return netapi.LobbyView{}, err
	}
	var view netapi.LobbyView
	if err := json.Unmarshal(ack.Data, &view); err != nil {
		return netapi.LobbyView{}, netapi.Protocolf("malformed lobby view: %v", err)
	}
	return view, nil
}

// SendChallenge proposes a game to another player.
func (b *Backend) SendChallenge(ctx context.Context, playerID, targetID string, opts netapi.ChallengeOptions) error {
	_, err := b.request(ctx, netapi.PushOpSendChallenge, netapi.ChallengeRequest{PlayerID: playerID, TargetID: targetID, Options: opts})
	return err
}

// AcceptChallenge accepts a pending challenge and rebinds to the new game.
func (b *Backend) AcceptChallenge(ctx context.Context, playerID, challengerID string) error {
	ack, err := b.request(ctx, netapi.PushOpAcceptChallenge, netapi.ChallengeAnswerRequest{PlayerID: playerID, ChallengerID: challengerID})
	if err != nil {
		return err
	}
	var assignment netapi.GameAssignment
	if err := json.Unmarshal(ack.Data, &assignment); err != nil || assignment.GameID == "" {
		return netapi.Protocolf("accept response missing game assignment")
	}
	b.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyGame, ID: assignment.GameID})
	if b.sink != nil {
		b.sink(events.Event{Type: events.TypeChallengeAccepted, Payload: ack.Data})
	}
	return nil
}

// DeclineChallenge declines a pending challenge.
func (b *Backend) DeclineChallenge(ctx context.Context, playerID, challengerID string) error {
	_, err := b.request(ctx, netapi.PushOpDeclineChallenge, netapi.ChallengeAnswerRequest{PlayerID: playerID, ChallengerID: challengerID})
	return err
}

// LeaveLobby removes the player from the roster.
func (b *Backend) LeaveLobby(ctx context.Context, playerID string) error {
	_, err := b.request(ctx, netapi.PushOpLeaveLobby, netapi.PlayerRequest{PlayerID: playerID})
	return err
}

// SendEvent pushes one gameplay event and waits for its acknowledgement.
// Failures are surfaced to the caller, never retried internally.
func (b *Backend) SendEvent(ctx context.Context, gameID, playerID string, ev events.Event) error {
	_, err := b.request(ctx, netapi.PushOpSendEvent, netapi.GameEventRequest{GameID: gameID, PlayerID: playerID, Event: ev})
	return err
}

// Heartbeat emits one liveness signal.
func (b *Backend) Heartbeat(ctx context.Context, playerID string) error {
	_, err := b.request(ctx, netapi.PushOpHeartbeat, netapi.PlayerRequest{PlayerID: playerID})
	return err
}

// LeaveGame tears the active game down on the relay.
func (b *Backend) LeaveGame(ctx context.Context, gameID, playerID string) error {
	_, err := b.request(ctx, netapi.PushOpLeaveGame, netapi.GameRequest{GameID: gameID, PlayerID: playerID})
	return err
}

var _ netapi.Backend = (*Backend)(nil)
