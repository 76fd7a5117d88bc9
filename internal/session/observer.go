package session

import (
	"github.com/thehijacker/dicesoccer-sub001/internal/events"
	"github.com/thehijacker/dicesoccer-sub001/internal/netapi"
)

// NoticeKind discriminates session notifications delivered to observers.
type NoticeKind int

const (
	// NoticeChallenge announces an incoming challenge.
	NoticeChallenge NoticeKind = iota
	// NoticeChallengeDeclined reports the target turned an outgoing challenge down.
	NoticeChallengeDeclined
	// NoticeChallengeCancelled reports the challenger withdrew their offer.
	NoticeChallengeCancelled
	// NoticeLobbyUpdate carries a wholesale lobby roster replacement.
	NoticeLobbyUpdate
	// NoticeGameStarted reports a shared game identity was established.
	NoticeGameStarted
	// NoticeGameEvent carries one admitted gameplay event.
	NoticeGameEvent
	// NoticeGameEnded reports the terminal game-ended fact. Statistics
	// consumers subscribe for exactly this.
	NoticeGameEnded
	// NoticeServerShutdown reports an explicit server shutdown notice.
	NoticeServerShutdown
	// NoticeConnectionLost reports the transport retry budget ran out.
	NoticeConnectionLost
)

// Notice is one session notification. Only the fields relevant to the kind
// are populated.
type Notice struct {
	Kind      NoticeKind
	Challenge *netapi.ChallengeNotice
	Lobby     *netapi.LobbyView
	Handle    *Handle
	Event     *events.Event
}

// Observer receives session notices in delivery order. Implementations must
// not block; long work belongs on the observer's own goroutine.
type Observer interface {
	Notify(notice Notice)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(notice Notice)

// Notify implements Observer.
func (f ObserverFunc) Notify(notice Notice) { f(notice) }

// Subscribe registers an observer and returns its unsubscribe function.
// Unsubscribing during teardown is safe and idempotent.
func (m *Manager) Subscribe(observer Observer) func() {
	if observer == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = observer
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// notify fans the notice out to a stable snapshot of observers, outside the
// state lock so observers may call back into the manager.
func (m *Manager) notify(notice Notice) {
	m.mu.Lock()
	targets := make([]Observer, 0, len(m.observers))
	for _, observer := range m.observers {
		targets = append(targets, observer)
	}
	m.mu.Unlock()
	for _, observer := range targets {
		observer.Notify(notice)
	}
}
