// Package netapi defines the operation surface the session core consumes from
// the network boundary, the data transfer types shared by both transports, and
// the error taxonomy surfaced to callers.
package netapi

import (
	"context"

	"github.com/thehijacker/dicesoccer-sub001/internal/events"
)

// PlayerSummary describes one lobby occupant.
type PlayerSummary struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
}

// GameSummary describes one running game visible from the lobby.
type GameSummary struct {
	GameID  string          `json:"gameId"`
	Players []PlayerSummary `json:"players"`
}

// LobbyView is the ephemeral lobby roster. It is replaced wholesale on every
// refresh; consumers must never mutate it in place.
type LobbyView struct {
	AvailablePlayers   []PlayerSummary `json:"availablePlayers"`
	ChallengingPlayers []PlayerSummary `json:"challengingPlayers"`
	ActiveGames        []GameSummary   `json:"activeGames"`
}

// ChallengeOptions carries the game options proposed with a challenge.
type ChallengeOptions struct {
	Hints bool `json:"hints"`
}

// KeyKind identifies which delivery stream a backend listens on.
type KeyKind int

const (
	// KeyNone halts delivery; no valid stream exists.
	KeyNone KeyKind = iota
	// KeyWaiting listens for lobby traffic addressed to an available player.
	KeyWaiting
	// KeyChallenge listens for the outcome of an outgoing challenge.
	KeyChallenge
	// KeyGame listens on an active game's ordered event stream.
	KeyGame
)

// DeliveryKey names the stream a backend receives on. For KeyGame the ID is
// the game identifier; for the lobby kinds it is the local player identifier.
type DeliveryKey struct {
	Kind KeyKind
	ID   string
}

// String renders the key in the wire form used by the long-poll endpoint.
func (k DeliveryKey) String() string {
	switch k.Kind {
	case KeyWaiting:
		return "waiting:" + k.ID
	case KeyChallenge:
		return "challenge:" + k.ID
	case KeyGame:
		return "game:" + k.ID
	default:
		return ""
	}
}

// ParseDeliveryKey reverses String. Unrecognised input yields a KeyNone key.
func ParseDeliveryKey(s string) DeliveryKey {
	for _, kind := range []KeyKind{KeyWaiting, KeyChallenge, KeyGame} {
		prefix := DeliveryKey{Kind: kind, ID: ""}.String()
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return DeliveryKey{Kind: kind, ID: s[len(prefix):]}
		}
	}
	return DeliveryKey{}
}

// Sink receives events that survived deduplication, in delivery order.
// Consumers must not reorder a delivered batch.
type Sink func(ev events.Event)

// Backend is the capability surface a transport must provide to the session
// manager. Backends implement transport mechanics only; lifecycle decisions
// belong to the session state machine.
type Backend interface {
	// Connect establishes the transport within the context deadline and
	// starts delivery to the sink registered at construction.
	Connect(ctx context.Context) error
	// Close tears the transport down. Safe to call more than once.
	Close() error

	EnterLobby(ctx context.Context, playerID, displayName string) error
	LobbyPlayers(ctx context.Context, playerID string) (LobbyView, error)
	SendChallenge(ctx context.Context, playerID, targetID string, opts ChallengeOptions) error
	AcceptChallenge(ctx context.Context, playerID, challengerID string) error
	DeclineChallenge(ctx context.Context, playerID, challengerID string) error
	LeaveLobby(ctx context.Context, playerID string) error
	SendEvent(ctx context.Context, gameID, playerID string, ev events.Event) error
	Heartbeat(ctx context.Context, playerID string) error
	LeaveGame(ctx context.Context, gameID, playerID string) error

	// SetDeliveryKey points the backend at the stream matching the session's
	// current phase. KeyNone halts delivery until a new key is supplied.
	SetDeliveryKey(key DeliveryKey)
}
