// Package longpoll implements the transport backend that exchanges events with
// the relay over repeated request/response cycles. Receiving is a blocking
// read the server holds open until an event exists or its hold timeout
// elapses; the backend never keeps more than one poll in flight.
package longpoll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thehijacker/dicesoccer-sub001/internal/events"
	"github.com/thehijacker/dicesoccer-sub001/internal/logging"
	"github.com/thehijacker/dicesoccer-sub001/internal/netapi"
	"github.com/thehijacker/dicesoccer-sub001/internal/reconnect"
)

// Options configures the backend.
type Options struct {
	BaseURL        string
	ConnectTimeout time.Duration
	PollPause      time.Duration
	LedgerCapacity int
	Logger         *logging.Logger
	Controller     *reconnect.Controller
	// Client overrides the HTTP client; the default carries no global
	// timeout because receive relies on the server's own hold timeout.
	Client *http.Client
}

// Backend is the long-poll implementation of netapi.Backend.
type Backend struct {
	baseURL        string
	client         *http.Client
	logger         *logging.Logger
	controller     *reconnect.Controller
	sink           netapi.Sink
	ledger         *events.Ledger
	pause          time.Duration
	connectTimeout time.Duration

	mu       sync.Mutex
	key      netapi.DeliveryKey
	playerID string

	active   atomic.Bool
	inFlight atomic.Bool
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// New constructs the backend. Events that survive deduplication are handed to
// the sink in delivery order.
func New(opts Options, sink netapi.Sink) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	controller := opts.Controller
	if controller == nil {
		controller = reconnect.New(reconnect.Options{Logger: logger})
	}
	pause := opts.PollPause
	if pause <= 0 {
		pause = 100 * time.Millisecond
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 8 * time.Second
	}
	return &Backend{
		baseURL:        opts.BaseURL,
		client:         client,
		logger:         logger.With(logging.String("transport", "longpoll")),
		controller:     controller,
		sink:           sink,
		ledger:         events.NewLedger(opts.LedgerCapacity),
		pause:          pause,
		connectTimeout: connectTimeout,
		wake:           make(chan struct{}, 1),
	}
}

// Connect probes the relay within the connect timeout and starts the poll
// scheduler. A failed probe fails the whole initialization.
func (b *Backend) Connect(ctx context.Context) error {
	b.controller.MarkConnecting()
	if err := b.probe(ctx); err != nil {
		b.controller.MarkDisconnected()
		return err
	}
	b.controller.MarkConnected()

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.active.Store(true)
	go b.run(loopCtx)
	return nil
}

// Close synchronously flips the active flag before cancelling outstanding
// requests, so a poll completing afterwards cannot reschedule itself.
func (b *Backend) Close() error {
	if !b.active.Swap(false) {
		return nil
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
	}
	return nil
}

// SetDeliveryKey repoints the poll loop. Switching to a game key resets the
// dedup ledger because event numbering is scoped per game session.
func (b *Backend) SetDeliveryKey(key netapi.DeliveryKey) {
	b.mu.Lock()
	previous := b.key
	b.key = key
	b.mu.Unlock()
	if key.Kind == netapi.KeyGame && (previous.Kind != netapi.KeyGame || previous.ID != key.ID) {
		b.ledger.Reset()
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Backend) currentKey() netapi.DeliveryKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key
}

// run is the single logical poll loop. If no valid key exists the loop parks
// until one is supplied.
func (b *Backend) run(ctx context.Context) {
	defer close(b.done)
	for {
		if !b.active.Load() {
			return
		}
		key := b.currentKey()
		if key.Kind == netapi.KeyNone {
			select {
			case <-ctx.Done():
				return
			case <-b.wake:
				continue
			}
		}
		if err := b.pollOnce(ctx, key); err != nil {
			if ctx.Err() != nil || !b.active.Load() {
				return
			}
			//1.- Poll failures are absorbed here; the controller decides when
			// the connection is truly gone and how long to back off.
			if rErr := b.controller.Reconnect(ctx, nil, b.probe); rErr != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("long-poll retry budget exhausted", logging.Error(rErr))
				//2.- Release the transport before the notice so a later lobby
				// entry re-runs Connect instead of feeding a dead loop.
				b.active.Store(false)
				if b.cancel != nil {
					b.cancel()
				}
				b.deliver(events.Event{Type: events.TypeConnectionLost})
				return
			}
			continue
		}
		//2.- Short fixed pause between cycles avoids a tight request loop.
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.pause):
		}
	}
}

// pollOnce issues a single receive cycle. The re-entrancy guard keeps at most
// one poll in flight; a second caller defers to the scheduler's next cycle.
func (b *Backend) pollOnce(ctx context.Context, key netapi.DeliveryKey) error {
	if !b.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer b.inFlight.Store(false)

	query := url.Values{}
	query.Set("key", key.String())
	query.Set("playerId", b.currentPlayer())
	query.Set("after", strconv.FormatInt(b.ledger.LastID(), 10))
	endpoint := b.baseURL + netapi.PathPollEvents + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return netapi.Connectivityf("build poll request: %v", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return netapi.Connectivityf("poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return netapi.Connectivityf("poll: unexpected status %d", resp.StatusCode)
	}
	var batch netapi.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return netapi.Connectivityf("decode poll response: %v", err)
	}
	b.handleBatch(batch.Events)
	return nil
}

// handleBatch admits each event through the ledger in delivered order, applying
// survivors synchronously and sequentially.
func (b *Backend) handleBatch(batch []events.Event) {
	for _, ev := range batch {
		if b.ledger.Admit(ev) == events.Skip {
			b.logger.Debug("suppressed resent event", logging.Int64("event_id", ev.ID))
			continue
		}
		//1.- A challenge acceptance carries the new game's identity: swap the
		// polling key and reset the ledger before any event numbered in the
		// new game's space can arrive.
		if ev.Type == events.TypeChallengeAccepted {
			var assignment netapi.GameAssignment
			if err := json.Unmarshal(ev.Payload, &assignment); err == nil && assignment.GameID != "" {
				b.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyGame, ID: assignment.GameID})
			}
		}
		b.deliver(ev)
	}
}

func (b *Backend) deliver(ev events.Event) {
	if b.sink != nil {
		b.sink(ev)
	}
}

func (b *Backend) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.baseURL+netapi.PathHealth, nil)
	if err != nil {
		return netapi.Connectivityf("build probe: %v", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return netapi.Connectivityf("server unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return netapi.Connectivityf("health check status %d", resp.StatusCode)
	}
	return nil
}

// post issues one request/response operation and maps the result onto the
// error taxonomy. Failures are reported to the caller, never retried here.
func (b *Backend) post(ctx context.Context, path string, payload any) (netapi.OpResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return netapi.OpResult{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return netapi.OpResult{}, netapi.Connectivityf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return netapi.OpResult{}, netapi.Connectivityf("%s: %v", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return netapi.OpResult{}, netapi.Connectivityf("%s: read response: %v", path, err)
	}
	var result netapi.OpResult
	if err := json.Unmarshal(data, &result); err != nil {
		return netapi.OpResult{}, netapi.Connectivityf("%s: malformed response: %v", path, err)
	}
	if !result.OK {
		return result, netapi.Protocolf("%s", result.Error)
	}
	return result, nil
}

func (b *Backend) currentPlayer() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playerID
}

// EnterLobby announces the player to the lobby roster.
func (b *Backend) EnterLobby(ctx context.Context, playerID, displayName string) error {
	b.mu.Lock()
	b.playerID = playerID
	b.mu.Unlock()
	_, err := b.post(ctx, netapi.PathEnterLobby, netapi.EnterLobbyRequest{PlayerID: playerID, DisplayName: displayName})
	return err
}

// LobbyPlayers fetches a full replacement lobby view.
func (b *Backend) LobbyPlayers(ctx context.Context, playerID string) (netapi.LobbyView, error) {
	result, err := b.post(ctx, netapi.PathLobbyPlayers, netapi.PlayerRequest{PlayerID: playerID})
	if err != nil {
		return netapi.LobbyView{}, err
	}
	var view netapi.LobbyView
	if err := json.Unmarshal(result.Data, &view); err != nil {
		return netapi.LobbyView{}, netapi.Protocolf("malformed lobby view")
	}
	return view, nil
}

// SendChallenge proposes a game to another player.
func (b *Backend) SendChallenge(ctx context.Context, playerID, targetID string, opts netapi.ChallengeOptions) error {
	_, err := b.post(ctx, netapi.PathSendChallenge, netapi.ChallengeRequest{PlayerID: playerID, TargetID: targetID, Options: opts})
	return err
}

// AcceptChallenge accepts a pending challenge. The relay answers with the game
// assignment; the backend rebinds to the new game's stream and synthesizes the
// local challengeAccepted notification carrying it.
func (b *Backend) AcceptChallenge(ctx context.Context, playerID, challengerID string) error {
	result, err := b.post(ctx, netapi.PathAcceptChallenge, netapi.ChallengeAnswerRequest{PlayerID: playerID, ChallengerID: challengerID})
	if err != nil {
		return err
	}
	var assignment netapi.GameAssignment
	if err := json.Unmarshal(result.Data, &assignment); err != nil || assignment.GameID == "" {
		return netapi.Protocolf("accept response missing game assignment")
	}
	b.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyGame, ID: assignment.GameID})
	b.deliver(events.Event{Type: events.TypeChallengeAccepted, Payload: result.Data})
	return nil
}

// DeclineChallenge declines a pending challenge.
func (b *Backend) DeclineChallenge(ctx context.Context, playerID, challengerID string) error {
	_, err := b.post(ctx, netapi.PathDeclineChallenge, netapi.ChallengeAnswerRequest{PlayerID: playerID, ChallengerID: challengerID})
	return err
}

// LeaveLobby removes the player from the roster.
func (b *Backend) LeaveLobby(ctx context.Context, playerID string) error {
	_, err := b.post(ctx, netapi.PathLeaveLobby, netapi.PlayerRequest{PlayerID: playerID})
	return err
}

// SendEvent submits one gameplay event, one request per event.
func (b *Backend) SendEvent(ctx context.Context, gameID, playerID string, ev events.Event) error {
	_, err := b.post(ctx, netapi.PathSendEvent, netapi.GameEventRequest{GameID: gameID, PlayerID: playerID, Event: ev})
	return err
}

// Heartbeat emits one liveness signal.
func (b *Backend) Heartbeat(ctx context.Context, playerID string) error {
	_, err := b.post(ctx, netapi.PathHeartbeat, netapi.PlayerRequest{PlayerID: playerID})
	return err
}

// LeaveGame tears the active game down on the relay.
func (b *Backend) LeaveGame(ctx context.Context, gameID, playerID string) error {
	_, err := b.post(ctx, netapi.PathLeaveGame, netapi.GameRequest{GameID: gameID, PlayerID: playerID})
	return err
}

var _ netapi.Backend = (*Backend)(nil)
