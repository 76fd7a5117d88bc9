// Package relay implements the server side of both transports for the session
// core: the lobby roster and challenge negotiation, per-game ordered event
// logs with long-poll hold semantics, and websocket push fan-out. The relay
// backs the development binary and the end-to-end tests.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thehijacker/dicesoccer-sub001/internal/events"
	"github.com/thehijacker/dicesoccer-sub001/internal/logging"
	"github.com/thehijacker/dicesoccer-sub001/internal/netapi"
)

// Options tunes the relay.
type Options struct {
	PollHold        time.Duration
	HeartbeatExpiry time.Duration
	ChallengeWindow time.Duration
	ChallengeBurst  int
	Logger          *logging.Logger
	// Now is replaced in tests for deterministic expiry decisions.
	Now func() time.Time
}

type playerStatus int

const (
	statusAvailable playerStatus = iota
	statusChallenging
	statusPlaying
)

type playerEntry struct {
	summary  netapi.PlayerSummary
	status   playerStatus
	lastBeat time.Time
	limiter  *SlidingWindowLimiter
}

type challenge struct {
	challengerID string
	targetID     string
	options      netapi.ChallengeOptions
}

type game struct {
	id       string
	host     netapi.PlayerSummary
	guest    netapi.PlayerSummary
	options  netapi.ChallengeOptions
	nextID   int64
	log      []addressedEvent
	changed  chan struct{}
	finished bool
	endedAt  time.Time
}

type addressedEvent struct {
	to string
	ev events.Event
}

// mailbox queues unordered lobby-phase events for one delivery key until the
// owning player's next poll drains them.
type mailbox struct {
	queue   []events.Event
	changed chan struct{}
}

// Relay coordinates lobby, challenge, and game state for all connected players.
type Relay struct {
	logger          *logging.Logger
	pollHold        time.Duration
	heartbeatExpiry time.Duration
	challengeWindow time.Duration
	challengeBurst  int
	now             func() time.Time

	mu         sync.Mutex
	players    map[string]*playerEntry
	challenges map[string]*challenge // keyed by challenger id
	games      map[string]*game
	boxes      map[string]*mailbox // keyed by wire delivery key
	pushers    map[string]pusher   // playerID -> push-channel writer
	shutdown   bool
}

// pusher writes one event to a connected push-channel client.
type pusher func(ev events.Event)

// New constructs a relay.
func New(opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	r := &Relay{
		logger:          logger.With(logging.String("component", "relay")),
		pollHold:        opts.PollHold,
		heartbeatExpiry: opts.HeartbeatExpiry,
		challengeWindow: opts.ChallengeWindow,
		challengeBurst:  opts.ChallengeBurst,
		now:             opts.Now,
		players:         make(map[string]*playerEntry),
		challenges:      make(map[string]*challenge),
		games:           make(map[string]*game),
		boxes:           make(map[string]*mailbox),
		pushers:         make(map[string]pusher),
	}
	if r.pollHold <= 0 {
		r.pollHold = 30 * time.Second
	}
	if r.heartbeatExpiry <= 0 {
		r.heartbeatExpiry = 90 * time.Second
	}
	if r.challengeWindow <= 0 {
		r.challengeWindow = 10 * time.Second
	}
	if r.challengeBurst <= 0 {
		r.challengeBurst = 3
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Start runs the heartbeat-expiry sweep until the context is cancelled.
func (r *Relay) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.heartbeatExpiry / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepExpired()
			}
		}
	}()
}

// EnterLobby registers or refreshes a player on the roster.
func (r *Relay) EnterLobby(playerID, displayName string) error {
	if playerID == "" || displayName == "" {
		return netapi.Protocolf("player id and display name are required")
	}
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return netapi.Protocolf("server is shutting down")
	}
	entry, ok := r.players[playerID]
	if !ok {
		entry = &playerEntry{
			limiter: NewSlidingWindowLimiter(r.challengeWindow, r.challengeBurst, r.now),
		}
		r.players[playerID] = entry
	}
	entry.summary = netapi.PlayerSummary{PlayerID: playerID, DisplayName: displayName}
	entry.status = statusAvailable
	entry.lastBeat = r.now()
	r.mu.Unlock()

	r.logger.Info("player entered lobby", logging.String("player_id", playerID))
	r.broadcastLobby()
	return nil
}

// Players builds the lobby view for one requester. The view is a snapshot;
// clients replace theirs wholesale.
func (r *Relay) Players(playerID string) (netapi.LobbyView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.players[playerID]; !ok {
		return netapi.LobbyView{}, netapi.Protocolf("unknown player %q", playerID)
	}
	return r.lobbyViewLocked(playerID), nil
}

func (r *Relay) lobbyViewLocked(requester string) netapi.LobbyView {
	var view netapi.LobbyView
	for id, entry := range r.players {
		switch entry.status {
		case statusAvailable:
			if id != requester {
				view.AvailablePlayers = append(view.AvailablePlayers, entry.summary)
			}
		case statusChallenging:
			view.ChallengingPlayers = append(view.ChallengingPlayers, entry.summary)
		}
	}
	for _, g := range r.games {
		if g.finished {
			continue
		}
		view.ActiveGames = append(view.ActiveGames, netapi.GameSummary{
			GameID:  g.id,
			Players: []netapi.PlayerSummary{g.host, g.guest},
		})
	}
	return view
}

// SendChallenge records the challenge and notifies the target.
func (r *Relay) SendChallenge(playerID, targetID string, opts netapi.ChallengeOptions) error {
	r.mu.Lock()
	challenger, ok := r.players[playerID]
	if !ok {
		r.mu.Unlock()
		return netapi.Protocolf("unknown player %q", playerID)
	}
	if !challenger.limiter.Allow() {
		r.mu.Unlock()
		return netapi.Protocolf("too many challenges, slow down")
	}
	target, ok := r.players[targetID]
	if !ok || target.status != statusAvailable {
		r.mu.Unlock()
		return netapi.Protocolf("target no longer available")
	}
	if _, pending := r.challenges[playerID]; pending {
		r.mu.Unlock()
		return netapi.Protocolf("challenge already pending")
	}
	r.challenges[playerID] = &challenge{challengerID: playerID, targetID: targetID, options: opts}
	challenger.status = statusChallenging
	notice := netapi.ChallengeNotice{Challenger: challenger.summary, Options: opts}
	r.mu.Unlock()

	r.deliver(targetID, netapi.DeliveryKey{Kind: netapi.KeyWaiting, ID: targetID},
		events.Event{Type: events.TypeChallenge, Payload: mustJSON(notice)})
	r.broadcastLobby()
	return nil
}

// AcceptChallenge creates the game and returns the assignment to the acceptor.
// The challenger learns about it through the challengeAccepted event on their
// challenge stream.
func (r *Relay) AcceptChallenge(playerID, challengerID string) (netapi.GameAssignment, error) {
	r.mu.Lock()
	pending, ok := r.challenges[challengerID]
	if !ok || pending.targetID != playerID {
		r.mu.Unlock()
		return netapi.GameAssignment{}, netapi.Protocolf("challenge is no longer open")
	}
	challenger, ok := r.players[challengerID]
	acceptor, ok2 := r.players[playerID]
	if !ok || !ok2 {
		r.mu.Unlock()
		return netapi.GameAssignment{}, netapi.Protocolf("challenge participants left the lobby")
	}
	delete(r.challenges, challengerID)

	g := &game{
		id:      uuid.NewString(),
		host:    challenger.summary,
		guest:   acceptor.summary,
		options: pending.options,
		changed: make(chan struct{}),
	}
	r.games[g.id] = g
	challenger.status = statusPlaying
	acceptor.status = statusPlaying
	assignment := netapi.GameAssignment{
		GameID:  g.id,
		HostID:  challengerID,
		GuestID: playerID,
		Host:    challenger.summary,
		Guest:   acceptor.summary,
		Options: pending.options,
	}
	r.mu.Unlock()

	r.logger.Info("game created",
		logging.String("game_id", g.id),
		logging.String("host", challengerID),
		logging.String("guest", playerID))
	r.deliver(challengerID, netapi.DeliveryKey{Kind: netapi.KeyChallenge, ID: challengerID},
		events.Event{Type: events.TypeChallengeAccepted, Payload: mustJSON(assignment)})
	r.broadcastLobby()
	return assignment, nil
}

// DeclineChallenge turns a pending challenge down. When the challenger and
// the named challenger coincide the call is a cancellation by the challenger
// themselves, and the target is told instead.
func (r *Relay) DeclineChallenge(playerID, challengerID string) error {
	r.mu.Lock()
	pending, ok := r.challenges[challengerID]
	if !ok {
		r.mu.Unlock()
		return netapi.Protocolf("challenge is no longer open")
	}
	cancellation := playerID == challengerID
	if !cancellation && pending.targetID != playerID {
		r.mu.Unlock()
		return netapi.Protocolf("challenge is not addressed to you")
	}
	delete(r.challenges, challengerID)
	if challenger, ok := r.players[challengerID]; ok {
		challenger.status = statusAvailable
	}
	targetID := pending.targetID
	r.mu.Unlock()

	if cancellation {
		r.deliver(targetID, netapi.DeliveryKey{Kind: netapi.KeyWaiting, ID: targetID},
			events.Event{Type: events.TypeChallengeCancelled})
	} else {
		r.deliver(challengerID, netapi.DeliveryKey{Kind: netapi.KeyChallenge, ID: challengerID},
			events.Event{Type: events.TypeChallengeDeclined})
	}
	r.broadcastLobby()
	return nil
}

// LeaveLobby removes a player from the roster and withdraws their challenges.
func (r *Relay) LeaveLobby(playerID string) error {
	r.mu.Lock()
	if _, ok := r.players[playerID]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.players, playerID)
	//1.- Reclaim the player's delivery mailboxes with the roster entry.
	delete(r.boxes, netapi.DeliveryKey{Kind: netapi.KeyWaiting, ID: playerID}.String())
	delete(r.boxes, netapi.DeliveryKey{Kind: netapi.KeyChallenge, ID: playerID}.String())
	var cancelledTargets []string
	if pending, ok := r.challenges[playerID]; ok {
		cancelledTargets = append(cancelledTargets, pending.targetID)
		delete(r.challenges, playerID)
	}
	for challengerID, pending := range r.challenges {
		if pending.targetID == playerID {
			delete(r.challenges, challengerID)
			r.deliverLocked(challengerID, netapi.DeliveryKey{Kind: netapi.KeyChallenge, ID: challengerID},
				events.Event{Type: events.TypeChallengeDeclined})
			if challenger, ok := r.players[challengerID]; ok {
				challenger.status = statusAvailable
			}
		}
	}
	r.mu.Unlock()

	for _, targetID := range cancelledTargets {
		r.deliver(targetID, netapi.DeliveryKey{Kind: netapi.KeyWaiting, ID: targetID},
			events.Event{Type: events.TypeChallengeCancelled})
	}
	r.logger.Info("player left lobby", logging.String("player_id", playerID))
	r.broadcastLobby()
	return nil
}

// SendEvent appends one gameplay event to the game log, assigning the next
// identifier in the game's numbering space, addressed to the opponent.
func (r *Relay) SendEvent(gameID, playerID string, ev events.Event) error {
	r.mu.Lock()
	g, ok := r.games[gameID]
	if !ok || g.finished {
		r.mu.Unlock()
		return netapi.Protocolf("game %q is not active", gameID)
	}
	opponent, ok := g.opponentOf(playerID)
	if !ok {
		r.mu.Unlock()
		return netapi.Protocolf("player %q is not part of game %q", playerID, gameID)
	}
	g.nextID++
	ev.ID = g.nextID
	//1.- The log owns its payload bytes, detached from the request buffer.
	g.appendLocked(addressedEvent{to: opponent, ev: ev.Clone()})
	finished := ev.Type == events.TypeGameOver
	if finished {
		//2.- A terminal gameplay event ends the game server-side too.
		g.finished = true
		g.endedAt = r.now()
		for _, id := range []string{g.host.PlayerID, g.guest.PlayerID} {
			if entry, ok := r.players[id]; ok {
				entry.status = statusAvailable
			}
		}
	}
	r.mu.Unlock()

	r.pushTo(opponent, ev)
	if finished {
		r.logger.Info("game over", logging.String("game_id", gameID))
		r.broadcastLobby()
	}
	return nil
}

// Heartbeat refreshes the player's liveness timestamp.
func (r *Relay) Heartbeat(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.players[playerID]
	if !ok {
		return netapi.Protocolf("unknown player %q", playerID)
	}
	entry.lastBeat = r.now()
	return nil
}

// LeaveGame marks the game finished and tells the opponent. Calling it again,
// or for a game already gone, is a no-op success.
func (r *Relay) LeaveGame(gameID, playerID string) error {
	r.mu.Lock()
	g, ok := r.games[gameID]
	if !ok || g.finished {
		r.mu.Unlock()
		return nil
	}
	opponent, ok := g.opponentOf(playerID)
	if !ok {
		r.mu.Unlock()
		return netapi.Protocolf("player %q is not part of game %q", playerID, gameID)
	}
	g.finished = true
	g.endedAt = r.now()
	g.nextID++
	ev := events.Event{ID: g.nextID, Type: events.TypePlayerLeft}
	g.appendLocked(addressedEvent{to: opponent, ev: ev})
	for _, id := range []string{g.host.PlayerID, g.guest.PlayerID} {
		if entry, ok := r.players[id]; ok {
			entry.status = statusAvailable
		}
	}
	r.mu.Unlock()

	r.pushTo(opponent, ev)
	r.logger.Info("game finished", logging.String("game_id", gameID), logging.String("left_by", playerID))
	r.broadcastLobby()
	return nil
}

// Shutdown refuses new entries and tells every connected player to tear down.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	ids := make([]string, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	notice := events.Event{Type: events.TypeServerShutdown}
	for _, id := range ids {
		r.deliver(id, netapi.DeliveryKey{Kind: netapi.KeyWaiting, ID: id}, notice)
		r.deliver(id, netapi.DeliveryKey{Kind: netapi.KeyChallenge, ID: id}, notice)
		r.pushTo(id, notice)
	}
	r.logger.Info("shutdown notice delivered", logging.Int("players", len(ids)))
}

// SweepExpired drops players whose heartbeats stopped and finishes their games.
func (r *Relay) SweepExpired() {
	cutoff := r.now().Add(-r.heartbeatExpiry)
	r.mu.Lock()
	var expired []string
	for id, entry := range r.players {
		if entry.lastBeat.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	var endedGames []struct{ gameID, playerID string }
	for _, id := range expired {
		for _, g := range r.games {
			if g.finished {
				continue
			}
			if g.host.PlayerID == id || g.guest.PlayerID == id {
				endedGames = append(endedGames, struct{ gameID, playerID string }{g.id, id})
			}
		}
	}
	//1.- Reap finished games past the expiry window too.
	for id, g := range r.games {
		if g.finished && g.endedAt.Before(cutoff) {
			delete(r.games, id)
		}
	}
	r.mu.Unlock()

	for _, ended := range endedGames {
		_ = r.LeaveGame(ended.gameID, ended.playerID)
	}
	for _, id := range expired {
		r.logger.Warn("player heartbeat expired", logging.String("player_id", id))
		_ = r.LeaveLobby(id)
	}
}

func (g *game) opponentOf(playerID string) (string, bool) {
	switch playerID {
	case g.host.PlayerID:
		return g.guest.PlayerID, true
	case g.guest.PlayerID:
		return g.host.PlayerID, true
	default:
		return "", false
	}
}

func (g *game) appendLocked(entry addressedEvent) {
	g.log = append(g.log, entry)
	close(g.changed)
	g.changed = make(chan struct{})
}

// broadcastLobby pushes a fresh lobby view to every available player.
func (r *Relay) broadcastLobby() {
	r.mu.Lock()
	type target struct {
		id   string
		view netapi.LobbyView
	}
	var targets []target
	for id, entry := range r.players {
		if entry.status == statusAvailable {
			targets = append(targets, target{id: id, view: r.lobbyViewLocked(id)})
		}
	}
	r.mu.Unlock()

	for _, t := range targets {
		r.deliver(t.id, netapi.DeliveryKey{Kind: netapi.KeyWaiting, ID: t.id},
			events.Event{Type: events.TypeLobbyUpdate, Payload: mustJSON(t.view)})
	}
}

// deliver routes one unordered event: straight down the push channel when the
// player has one, otherwise into the key's mailbox for the next poll.
func (r *Relay) deliver(playerID string, key netapi.DeliveryKey, ev events.Event) {
	r.mu.Lock()
	r.deliverLocked(playerID, key, ev)
	r.mu.Unlock()
}

func (r *Relay) deliverLocked(playerID string, key netapi.DeliveryKey, ev events.Event) {
	if push, ok := r.pushers[playerID]; ok {
		push(ev)
		return
	}
	box := r.boxes[key.String()]
	if box == nil {
		box = &mailbox{changed: make(chan struct{})}
		r.boxes[key.String()] = box
	}
	box.queue = append(box.queue, ev)
	close(box.changed)
	box.changed = make(chan struct{})
}

// pushTo sends one ordered event down the player's push channel if they have
// one; long-poll players pick it up from the game log instead. Holding the
// lock while writing keeps the channel's delivery order aligned with the log.
func (r *Relay) pushTo(playerID string, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if push, ok := r.pushers[playerID]; ok {
		push(ev)
	}
}

// RegisterPusher attaches a push-channel writer for the player and returns a
// detach function. While attached, the player receives events by push instead
// of mailbox queuing.
func (r *Relay) RegisterPusher(playerID string, push pusher) func() {
	r.mu.Lock()
	r.pushers[playerID] = push
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.pushers, playerID)
		r.mu.Unlock()
	}
}

// ReplayGame returns the events addressed to the player with identifiers past
// the cursor, used to resume a push channel after reconnecting.
func (r *Relay) ReplayGame(gameID, playerID string, after int64) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok {
		return nil
	}
	return g.collectLocked(playerID, after)
}

func (g *game) collectLocked(playerID string, after int64) []events.Event {
	var batch []events.Event
	for _, entry := range g.log {
		if entry.to != "" && entry.to != playerID {
			continue
		}
		if entry.ev.ID <= after {
			continue
		}
		batch = append(batch, entry.ev)
	}
	return batch
}

// Poll blocks until events exist for the key or the hold timeout elapses,
// approximating real-time delivery for the request/response transport.
func (r *Relay) Poll(ctx context.Context, key netapi.DeliveryKey, playerID string, after int64) ([]events.Event, error) {
	deadline := time.NewTimer(r.pollHold)
	defer deadline.Stop()
	for {
		batch, wait, err := r.collect(key, playerID, after)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			//1.- Hold timeout: an empty batch tells the client to poll again.
			return nil, nil
		case <-wait:
		}
	}
}

func (r *Relay) collect(key netapi.DeliveryKey, playerID string, after int64) ([]events.Event, <-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch key.Kind {
	case netapi.KeyGame:
		g, ok := r.games[key.ID]
		if !ok {
			return nil, nil, netapi.Protocolf("game %q is gone", key.ID)
		}
		return g.collectLocked(playerID, after), g.changed, nil
	case netapi.KeyWaiting, netapi.KeyChallenge:
		//1.- Departed players must not grow the mailbox map back from a
		// stale poll.
		if _, ok := r.players[key.ID]; !ok {
			return nil, nil, netapi.Protocolf("player %q is not in the lobby", key.ID)
		}
		box := r.boxes[key.String()]
		if box == nil {
			box = &mailbox{changed: make(chan struct{})}
			r.boxes[key.String()] = box
		}
		batch := box.queue
		box.queue = nil
		return batch, box.changed, nil
	default:
		return nil, nil, netapi.Protocolf("invalid poll key")
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
