// Package session owns the lobby → challenge → game lifecycle shared by both
// transport backends. The manager is the single writer of the session handle;
// backends implement transport mechanics only and feed admitted events into
// the manager's sink.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/thehijacker/dicesoccer-sub001/internal/events"
	"github.com/thehijacker/dicesoccer-sub001/internal/identity"
	"github.com/thehijacker/dicesoccer-sub001/internal/logging"
	"github.com/thehijacker/dicesoccer-sub001/internal/netapi"
	"github.com/thehijacker/dicesoccer-sub001/internal/reconnect"
)

// Phase enumerates the session lifecycle states.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInLobby
	PhaseChallenging
	PhaseInGame
	PhaseEnded
)

// String renders the phase for logs.
func (p Phase) String() string {
	switch p {
	case PhaseInLobby:
		return "in_lobby"
	case PhaseChallenging:
		return "challenging"
	case PhaseInGame:
		return "in_game"
	case PhaseEnded:
		return "ended"
	default:
		return "idle"
	}
}

// Role names this client's position in an active game.
type Role int

const (
	RoleNone Role = iota
	// RoleHost is the challenger; always local slot 1.
	RoleHost
	// RoleGuest is the acceptor; always local slot 2.
	RoleGuest
)

// Handle describes one active two-party game. Destroyed on leave or cleanup.
type Handle struct {
	GameID    string
	Role      Role
	LocalSlot int
	Opponent  netapi.PlayerSummary
}

// ErrInvalidState reports an intent issued from a phase that does not allow it.
var ErrInvalidState = errors.New("intent not valid in current session state")

// Manager is the session state machine. Construct one per UI lifecycle owner;
// nothing here is process-global.
type Manager struct {
	backend    netapi.Backend
	controller *reconnect.Controller
	logger     *logging.Logger
	identity   *identity.Store

	mu          sync.Mutex
	phase       Phase
	handle      *Handle
	playerID    string
	displayName string
	connected   bool
	observers   map[int]Observer
	nextObs     int
}

// NewManager wires a manager to a backend produced by the build function. The
// build function receives the manager's event sink, breaking the construction
// cycle between the two.
func NewManager(controller *reconnect.Controller, logger *logging.Logger, build func(sink netapi.Sink) netapi.Backend) *Manager {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	if controller == nil {
		controller = reconnect.New(reconnect.Options{Logger: logger})
	}
	m := &Manager{
		controller: controller,
		logger:     logger,
		identity:   identity.NewStore("", logger),
		observers:  make(map[int]Observer),
	}
	m.backend = build(m.HandleEvent)
	return m
}

// Phase returns the current lifecycle state.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Handle returns a copy of the active game handle, if any.
func (m *Manager) Handle() (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return Handle{}, false
	}
	return *m.handle, true
}

// ConnectionState exposes the reconnection controller's view of the transport.
func (m *Manager) ConnectionState() reconnect.State {
	return m.controller.State()
}

// Identity returns this device's durable player identity, minting it on
// first use.
func (m *Manager) Identity() identity.Identity {
	return m.identity.GetOrCreate()
}

// EnterLobbyAsSelf enters the lobby under the device's persistent identity,
// recording the chosen display name alongside the identifier.
func (m *Manager) EnterLobbyAsSelf(ctx context.Context, displayName string) error {
	id := m.identity.GetOrCreate()
	if err := m.EnterLobby(ctx, id.PlayerID, displayName); err != nil {
		return err
	}
	m.identity.SetDisplayName(displayName)
	return nil
}

// EnterLobby connects the transport on first use and announces the player.
// Failure leaves the state Idle.
func (m *Manager) EnterLobby(ctx context.Context, playerID, displayName string) error {
	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return ErrInvalidState
	}
	needConnect := !m.connected
	m.mu.Unlock()

	//1.- Initial connect has a hard timeout that fails the whole attempt.
	if needConnect {
		if err := m.backend.Connect(ctx); err != nil {
			return err
		}
		m.mu.Lock()
		m.connected = true
		m.mu.Unlock()
	}
	if err := m.backend.EnterLobby(ctx, playerID, displayName); err != nil {
		return err
	}

	m.mu.Lock()
	m.phase = PhaseInLobby
	m.playerID = playerID
	m.displayName = displayName
	m.mu.Unlock()

	//2.- Lobby presence means the liveness schedule starts now.
	m.backend.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyWaiting, ID: playerID})
	m.controller.StartHeartbeat(context.Background(), func(ctx context.Context) error {
		return m.backend.Heartbeat(ctx, playerID)
	})
	m.logger.Info("entered lobby", logging.String("player_id", playerID), logging.String("display_name", displayName))
	return nil
}

// RefreshLobby fetches a wholesale replacement of the lobby view.
func (m *Manager) RefreshLobby(ctx context.Context) (netapi.LobbyView, error) {
	m.mu.Lock()
	if m.phase != PhaseInLobby && m.phase != PhaseChallenging {
		m.mu.Unlock()
		return netapi.LobbyView{}, ErrInvalidState
	}
	playerID := m.playerID
	m.mu.Unlock()
	return m.backend.LobbyPlayers(ctx, playerID)
}

// Challenge proposes a game to the target. Valid only from the lobby; no
// session handle exists until the target accepts.
func (m *Manager) Challenge(ctx context.Context, targetID string, opts netapi.ChallengeOptions) error {
	m.mu.Lock()
	if m.phase != PhaseInLobby {
		m.mu.Unlock()
		return ErrInvalidState
	}
	playerID := m.playerID
	m.mu.Unlock()

	if err := m.backend.SendChallenge(ctx, playerID, targetID, opts); err != nil {
		return err
	}
	m.mu.Lock()
	m.phase = PhaseChallenging
	m.mu.Unlock()
	//1.- While awaiting acceptance the backend listens on the challenge stream.
	m.backend.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyChallenge, ID: playerID})
	return nil
}

// CancelChallenge withdraws an outgoing challenge and returns to the lobby.
func (m *Manager) CancelChallenge(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseChallenging {
		m.mu.Unlock()
		return ErrInvalidState
	}
	playerID := m.playerID
	m.mu.Unlock()

	//1.- A cancellation is a decline where the challenger withdraws their own offer.
	if err := m.backend.DeclineChallenge(ctx, playerID, playerID); err != nil {
		return err
	}
	m.mu.Lock()
	m.phase = PhaseInLobby
	m.mu.Unlock()
	m.backend.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyWaiting, ID: playerID})
	return nil
}

// AcceptChallenge accepts an incoming challenge. On success the backend
// synthesizes the challengeAccepted event, which transitions the manager to
// the in-game state before this call returns.
func (m *Manager) AcceptChallenge(ctx context.Context, challengerID string) error {
	m.mu.Lock()
	if m.phase != PhaseInLobby && m.phase != PhaseChallenging {
		m.mu.Unlock()
		return ErrInvalidState
	}
	playerID := m.playerID
	m.mu.Unlock()
	return m.backend.AcceptChallenge(ctx, playerID, challengerID)
}

// DeclineChallenge declines an incoming challenge; state is unchanged.
func (m *Manager) DeclineChallenge(ctx context.Context, challengerID string) error {
	m.mu.Lock()
	if m.phase != PhaseInLobby && m.phase != PhaseChallenging {
		m.mu.Unlock()
		return ErrInvalidState
	}
	playerID := m.playerID
	m.mu.Unlock()
	return m.backend.DeclineChallenge(ctx, playerID, challengerID)
}

// SendEvent submits one gameplay event to the active game. Send failures are
// returned to the caller; retrying is a caller decision.
func (m *Manager) SendEvent(ctx context.Context, ev events.Event) error {
	m.mu.Lock()
	if m.phase != PhaseInGame || m.handle == nil {
		m.mu.Unlock()
		return ErrInvalidState
	}
	gameID := m.handle.GameID
	playerID := m.playerID
	m.mu.Unlock()
	return m.backend.SendEvent(ctx, gameID, playerID, ev)
}

// LeaveGame tears the active game down: clears the handle, stops delivery and
// heartbeat, and returns to Idle. Calling it with no game active is a no-op
// success and issues no network traffic.
func (m *Manager) LeaveGame(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseInGame || m.handle == nil {
		m.mu.Unlock()
		return nil
	}
	gameID := m.handle.GameID
	playerID := m.playerID
	m.mu.Unlock()

	//1.- Best-effort server notification; teardown proceeds regardless.
	if err := m.backend.LeaveGame(ctx, gameID, playerID); err != nil {
		m.logger.Warn("leave game notification failed", logging.Error(err))
	}
	ended := m.teardownGame()
	m.notify(Notice{Kind: NoticeGameEnded, Handle: ended})
	m.settleEnded()
	return nil
}

// LeaveLobby withdraws the player from the roster and returns to Idle.
func (m *Manager) LeaveLobby(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseInLobby && m.phase != PhaseChallenging {
		m.mu.Unlock()
		return ErrInvalidState
	}
	playerID := m.playerID
	m.mu.Unlock()

	if err := m.backend.LeaveLobby(ctx, playerID); err != nil {
		return err
	}
	m.teardownToIdle()
	return nil
}

// Close tears the whole session down and releases the transport. Idempotent.
func (m *Manager) Close() error {
	m.teardownToIdle()
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return m.backend.Close()
}

// releaseTransport clears the connected mark and closes the backend so a
// later EnterLobby re-runs Connect.
func (m *Manager) releaseTransport() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	if err := m.backend.Close(); err != nil {
		m.logger.Warn("transport close failed", logging.Error(err))
	}
}

// teardownGame flips delivery and heartbeat off before any further network
// scheduling can happen, then clears the handle and parks in Ended. Returns
// the ended handle.
func (m *Manager) teardownGame() *Handle {
	m.backend.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyNone})
	m.controller.StopHeartbeat()

	m.mu.Lock()
	ended := m.handle
	m.handle = nil
	m.phase = PhaseEnded
	m.mu.Unlock()
	return ended
}

// settleEnded completes the Ended → Idle transition once observers have been
// told the game is over.
func (m *Manager) settleEnded() {
	m.mu.Lock()
	if m.phase == PhaseEnded {
		m.phase = PhaseIdle
	}
	m.mu.Unlock()
}

func (m *Manager) teardownToIdle() {
	m.backend.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyNone})
	m.controller.StopHeartbeat()
	m.mu.Lock()
	m.handle = nil
	m.phase = PhaseIdle
	m.mu.Unlock()
}

// HandleEvent is the sink backends deliver admitted events into. Events within
// one batch arrive here strictly in delivered order.
func (m *Manager) HandleEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeChallenge:
		var notice netapi.ChallengeNotice
		if err := json.Unmarshal(ev.Payload, &notice); err != nil {
			m.logger.Warn("malformed challenge notice", logging.Error(err))
			return
		}
		//1.- An incoming challenge is a notification, not a blocking state.
		m.notify(Notice{Kind: NoticeChallenge, Challenge: &notice})

	case events.TypeChallengeAccepted:
		var assignment netapi.GameAssignment
		if err := json.Unmarshal(ev.Payload, &assignment); err != nil {
			m.logger.Warn("malformed game assignment", logging.Error(err))
			return
		}
		handle := m.startGame(assignment)
		m.notify(Notice{Kind: NoticeGameStarted, Handle: &handle})

	case events.TypeChallengeDeclined:
		m.mu.Lock()
		playerID := m.playerID
		if m.phase == PhaseChallenging {
			m.phase = PhaseInLobby
		}
		m.mu.Unlock()
		m.backend.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyWaiting, ID: playerID})
		m.notify(Notice{Kind: NoticeChallengeDeclined, Event: &ev})

	case events.TypeChallengeCancelled:
		m.notify(Notice{Kind: NoticeChallengeCancelled, Event: &ev})

	case events.TypeLobbyUpdate:
		var view netapi.LobbyView
		if err := json.Unmarshal(ev.Payload, &view); err != nil {
			m.logger.Warn("malformed lobby update", logging.Error(err))
			return
		}
		m.notify(Notice{Kind: NoticeLobbyUpdate, Lobby: &view})

	case events.TypeGameEvent:
		m.notify(Notice{Kind: NoticeGameEvent, Event: &ev})

	case events.TypeGameOver, events.TypePlayerLeft:
		ended := m.teardownGame()
		m.notify(Notice{Kind: NoticeGameEnded, Handle: ended, Event: &ev})
		m.settleEnded()

	case events.TypeServerShutdown:
		//1.- Explicit shutdown notice: inform the UI, then force Idle.
		m.notify(Notice{Kind: NoticeServerShutdown, Event: &ev})
		m.teardownToIdle()

	case events.TypeConnectionLost:
		m.notify(Notice{Kind: NoticeConnectionLost, Event: &ev})
		m.teardownToIdle()
		//1.- The transport halted itself; drop the connected mark so the
		// next lobby entry dials afresh.
		m.releaseTransport()

	default:
		m.logger.Debug("ignoring unknown event type", logging.String("type", string(ev.Type)))
	}
}

// startGame creates the session handle. The challenger is always host and
// local slot 1; the acceptor is guest and slot 2.
func (m *Manager) startGame(assignment netapi.GameAssignment) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle := Handle{GameID: assignment.GameID}
	if m.playerID == assignment.HostID {
		handle.Role = RoleHost
		handle.LocalSlot = 1
		handle.Opponent = assignment.Guest
	} else {
		handle.Role = RoleGuest
		handle.LocalSlot = 2
		handle.Opponent = assignment.Host
	}
	m.handle = &handle
	m.phase = PhaseInGame
	m.logger.Info("game started",
		logging.String("game_id", handle.GameID),
		logging.Int("local_slot", handle.LocalSlot),
		logging.String("opponent", handle.Opponent.PlayerID))
	return handle
}
