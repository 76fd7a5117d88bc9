package events

import "encoding/json"

// Type enumerates the session event payloads exchanged with the server.
type Type string

const (
	TypeChallenge          Type = "challenge"
	TypeChallengeAccepted  Type = "challengeAccepted"
	TypeChallengeDeclined  Type = "challengeDeclined"
	TypeChallengeCancelled Type = "challengeCancelled"
	TypeLobbyUpdate        Type = "lobbyUpdate"
	TypeGameEvent          Type = "gameEvent"
	TypeGameOver           Type = "gameOver"
	TypePlayerLeft         Type = "playerLeft"
	TypeServerShutdown     Type = "serverShutdown"

	// TypeConnectionLost is synthesized locally when the transport's retry
	// budget is exhausted; it never crosses the wire.
	TypeConnectionLost Type = "connectionLost"
)

// Event is one delivered unit carrying a type, an opaque payload, and an
// optional server-assigned ordering identifier. An ID of zero marks a
// fire-and-forget event that carries no ordering guarantee.
type Event struct {
	ID      int64           `json:"eventId,omitempty"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ordered reports whether the event participates in the per-game numbering space.
func (e Event) Ordered() bool {
	return e.ID > 0
}

// Clone duplicates the payload bytes so consumers can retain events safely.
func (e Event) Clone() Event {
	clone := e
	if len(e.Payload) > 0 {
		clone.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return clone
}
