package netapi

import (
	"encoding/json"

	"github.com/thehijacker/dicesoccer-sub001/internal/events"
)

// Wire paths served by the relay's request/response API.
const (
	PathEnterLobby       = "/api/lobby/enter"
	PathLobbyPlayers     = "/api/lobby/players"
	PathLeaveLobby       = "/api/lobby/leave"
	PathSendChallenge    = "/api/challenge/send"
	PathAcceptChallenge  = "/api/challenge/accept"
	PathDeclineChallenge = "/api/challenge/decline"
	PathSendEvent        = "/api/game/event"
	PathPollEvents       = "/api/game/poll"
	PathLeaveGame        = "/api/game/leave"
	PathHeartbeat        = "/api/heartbeat"
	PathHealth           = "/healthz"
	PathPush             = "/ws"
)

// EnterLobbyRequest announces a player to the lobby roster.
type EnterLobbyRequest struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
}

// ChallengeRequest proposes a game to another lobby occupant.
type ChallengeRequest struct {
	PlayerID string           `json:"playerId"`
	TargetID string           `json:"targetId"`
	Options  ChallengeOptions `json:"options"`
}

// ChallengeAnswerRequest accepts or declines a pending challenge.
type ChallengeAnswerRequest struct {
	PlayerID     string `json:"playerId"`
	ChallengerID string `json:"challengerId"`
}

// GameEventRequest submits one gameplay event to the active game.
type GameEventRequest struct {
	GameID   string       `json:"gameId"`
	PlayerID string       `json:"playerId"`
	Event    events.Event `json:"event"`
}

// GameRequest addresses an operation at one game on behalf of one player.
type GameRequest struct {
	GameID   string `json:"gameId"`
	PlayerID string `json:"playerId"`
}

// PlayerRequest addresses an operation at one player.
type PlayerRequest struct {
	PlayerID string `json:"playerId"`
}

// OpResult is the discriminated success/failure result every request/response
// operation resolves to.
type OpResult struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// GameAssignment is the data returned to the acceptor of a challenge and
// carried by the challengeAccepted event pushed to the challenger.
type GameAssignment struct {
	GameID  string           `json:"gameId"`
	HostID  string           `json:"hostId"`
	GuestID string           `json:"guestId"`
	Host    PlayerSummary    `json:"host"`
	Guest   PlayerSummary    `json:"guest"`
	Options ChallengeOptions `json:"options"`
}

// ChallengeNotice is the payload of a challenge event delivered to its target.
type ChallengeNotice struct {
	Challenger PlayerSummary    `json:"challenger"`
	Options    ChallengeOptions `json:"options"`
}

// PollResponse carries the ordered batch returned by one long-poll cycle.
// An empty batch means the server's hold timeout elapsed first.
type PollResponse struct {
	Events []events.Event `json:"events"`
}

// Push-channel frame opcodes. Client frames carry an op plus a sequence number
// the server echoes back in its acknowledgement.
const (
	PushOpHello            = "hello"
	PushOpEnterLobby       = "enterLobby"
	PushOpLobbyPlayers     = "lobbyPlayers"
	PushOpLeaveLobby       = "leaveLobby"
	PushOpSendChallenge    = "sendChallenge"
	PushOpAcceptChallenge  = "acceptChallenge"
	PushOpDeclineChallenge = "declineChallenge"
	PushOpSendEvent        = "sendEvent"
	PushOpHeartbeat        = "heartbeat"
	PushOpLeaveGame        = "leaveGame"
)

// PushFrame is one client-to-server message on the push channel.
type PushFrame struct {
	Op   string          `json:"op"`
	Seq  uint64          `json:"seq"`
	Body json.RawMessage `json:"body,omitempty"`
}

// HelloBody announces identity after (re)connecting the push channel and
// optionally asks the server to resume an in-progress game.
type HelloBody struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName,omitempty"`
	ResumeGame  string `json:"resumeGame,omitempty"`
	LastEventID int64  `json:"lastEventId,omitempty"`
}

// Server-to-client push frame kinds.
const (
	PushKindAck   = "ack"
	PushKindEvent = "event"
)

// ServerFrame is one server-to-client message on the push channel: either the
// acknowledgement of a client frame or a server-initiated event delivery.
type ServerFrame struct {
	Kind  string          `json:"kind"`
	Seq   uint64          `json:"seq,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Event *events.Event   `json:"event,omitempty"`
}
