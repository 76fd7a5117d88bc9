package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/thehijacker/dicesoccer-sub001/internal/events"
	"github.com/thehijacker/dicesoccer-sub001/internal/logging"
	"github.com/thehijacker/dicesoccer-sub001/internal/netapi"
)

// HandlerSet bundles the relay's request/response handlers.
type HandlerSet struct {
	relay  *Relay
	logger *logging.Logger
	now    func() time.Time
}

// NewHandlerSet constructs the handlers for one relay.
func NewHandlerSet(r *Relay, logger *logging.Logger) *HandlerSet {
	if logger == nil {
		logger = logging.L()
	}
	return &HandlerSet{relay: r, logger: logger, now: r.now}
}

// Register attaches every request/response endpoint to the mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc(netapi.PathEnterLobby, h.EnterLobbyHandler())
	mux.HandleFunc(netapi.PathLobbyPlayers, h.LobbyPlayersHandler())
	mux.HandleFunc(netapi.PathLeaveLobby, h.LeaveLobbyHandler())
	mux.HandleFunc(netapi.PathSendChallenge, h.SendChallengeHandler())
	mux.HandleFunc(netapi.PathAcceptChallenge, h.AcceptChallengeHandler())
	mux.HandleFunc(netapi.PathDeclineChallenge, h.DeclineChallengeHandler())
	mux.HandleFunc(netapi.PathSendEvent, h.SendEventHandler())
	mux.HandleFunc(netapi.PathPollEvents, h.PollHandler())
	mux.HandleFunc(netapi.PathLeaveGame, h.LeaveGameHandler())
	mux.HandleFunc(netapi.PathHeartbeat, h.HeartbeatHandler())
	mux.HandleFunc(netapi.PathHealth, h.HealthHandler())
}

// HealthHandler reports that the relay is reachable.
func (h *HandlerSet) HealthHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "ok",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// EnterLobbyHandler registers the caller on the lobby roster.
func (h *HandlerSet) EnterLobbyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req netapi.EnterLobbyRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.writeResult(w, nil, h.relay.EnterLobby(req.PlayerID, req.DisplayName))
	}
}

// LobbyPlayersHandler returns the caller's lobby view.
func (h *HandlerSet) LobbyPlayersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req netapi.PlayerRequest
		if !h.decode(w, r, &req) {
			return
		}
		view, err := h.relay.Players(req.PlayerID)
		if err != nil {
			h.writeResult(w, nil, err)
			return
		}
		h.writeResult(w, view, nil)
	}
}

// LeaveLobbyHandler removes the caller from the roster.
func (h *HandlerSet) LeaveLobbyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req netapi.PlayerRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.writeResult(w, nil, h.relay.LeaveLobby(req.PlayerID))
	}
}

// SendChallengeHandler proposes a game to another player.
func (h *HandlerSet) SendChallengeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req netapi.ChallengeRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.writeResult(w, nil, h.relay.SendChallenge(req.PlayerID, req.TargetID, req.Options))
	}
}

// AcceptChallengeHandler accepts a pending challenge and returns the game
// assignment to the acceptor.
func (h *HandlerSet) AcceptChallengeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req netapi.ChallengeAnswerRequest
		if !h.decode(w, r, &req) {
			return
		}
		assignment, err := h.relay.AcceptChallenge(req.PlayerID, req.ChallengerID)
		if err != nil {
			h.writeResult(w, nil, err)
			return
		}
		h.writeResult(w, assignment, nil)
	}
}

// DeclineChallengeHandler declines, or cancels, a pending challenge.
func (h *HandlerSet) DeclineChallengeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req netapi.ChallengeAnswerRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.writeResult(w, nil, h.relay.DeclineChallenge(req.PlayerID, req.ChallengerID))
	}
}

// SendEventHandler appends one gameplay event to the game log.
func (h *HandlerSet) SendEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req netapi.GameEventRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.writeResult(w, nil, h.relay.SendEvent(req.GameID, req.PlayerID, req.Event))
	}
}

// LeaveGameHandler finishes the game on behalf of the caller.
func (h *HandlerSet) LeaveGameHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req netapi.GameRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.writeResult(w, nil, h.relay.LeaveGame(req.GameID, req.PlayerID))
	}
}

// HeartbeatHandler refreshes the caller's liveness timestamp.
func (h *HandlerSet) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req netapi.PlayerRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.writeResult(w, nil, h.relay.Heartbeat(req.PlayerID))
	}
}

// PollHandler holds the request open until events exist for the key or the
// hold timeout elapses, then returns the batch.
func (h *HandlerSet) PollHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()
		key := netapi.ParseDeliveryKey(query.Get("key"))
		playerID := query.Get("playerId")
		after, _ := strconv.ParseInt(query.Get("after"), 10, 64)
		batch, err := h.relay.Poll(r.Context(), key, playerID, after)
		if err != nil {
			if errors.Is(err, r.Context().Err()) {
				//1.- The client hung up mid-hold; nothing left to write.
				return
			}
			h.logger.Warn("poll rejected",
				logging.String("key", query.Get("key")),
				logging.Error(err))
			writeJSON(w, http.StatusBadRequest, netapi.PollResponse{})
			return
		}
		if batch == nil {
			batch = []events.Event{}
		}
		writeJSON(w, http.StatusOK, netapi.PollResponse{Events: batch})
	}
}

// decode reads a POST body into dst and rejects malformed requests.
func (h *HandlerSet) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("malformed request body",
			logging.String("path", r.URL.Path),
			logging.Error(err))
		writeJSON(w, http.StatusBadRequest, netapi.OpResult{Error: "malformed request body"})
		return false
	}
	return true
}

// writeResult encodes the uniform success/failure envelope. Rejections travel
// inside the envelope with status 200; the transport distinguishes rejection
// from connectivity loss by the envelope, not the status code.
func (h *HandlerSet) writeResult(w http.ResponseWriter, data any, err error) {
	result := netapi.OpResult{OK: err == nil}
	if err != nil {
		//1.- Strip the local sentinel prefix; clients re-wrap on their side.
		result.Error = strings.TrimPrefix(err.Error(), netapi.ErrProtocol.Error()+": ")
	} else if data != nil {
		encoded, marshalErr := json.Marshal(data)
		if marshalErr == nil {
			result.Data = encoded
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
