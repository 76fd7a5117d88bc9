package longpoll

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thehijacker/dicesoccer-sub001/internal/events"
	"github.com/thehijacker/dicesoccer-sub001/internal/logging"
	"github.com/thehijacker/dicesoccer-sub001/internal/netapi"
	"github.com/thehijacker/dicesoccer-sub001/internal/reconnect"
)

// scriptedRelay serves health, poll, and operation endpoints from scripted
// responses so transport behaviour can be observed cycle by cycle.
type scriptedRelay struct {
	mu          sync.Mutex
	batches     [][]events.Event
	polls       []pollRecord
	healthy     atomic.Bool
	down        atomic.Bool
	results     map[string]netapi.OpResult
	pollDelay   time.Duration
	inflight    int
	maxInflight int
}

type pollRecord struct {
	key   string
	after string
}

func newScriptedRelay(batches ...[]events.Event) *scriptedRelay {
	r := &scriptedRelay{batches: batches, results: make(map[string]netapi.OpResult)}
	r.healthy.Store(true)
	return r
}

func (r *scriptedRelay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(netapi.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		if !r.healthy.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(netapi.PathPollEvents, func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.inflight++
		if r.inflight > r.maxInflight {
			r.maxInflight = r.inflight
		}
		delay := r.pollDelay
		r.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		r.mu.Lock()
		r.polls = append(r.polls, pollRecord{
			key:   req.URL.Query().Get("key"),
			after: req.URL.Query().Get("after"),
		})
		var batch []events.Event
		if len(r.batches) > 0 {
			batch = r.batches[0]
			r.batches = r.batches[1:]
		}
		r.inflight--
		r.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(netapi.PollResponse{Events: batch})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		result, ok := r.results[req.URL.Path]
		r.mu.Unlock()
		if !ok {
			result = netapi.OpResult{OK: true}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})
	//1.- The outage gate lets a test take the whole relay down and back up.
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.down.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, req)
	})
}

func (r *scriptedRelay) maxConcurrentPolls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInflight
}

func (r *scriptedRelay) setResult(path string, result netapi.OpResult) {
	r.mu.Lock()
	r.results[path] = result
	r.mu.Unlock()
}

func (r *scriptedRelay) pollRecords() []pollRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pollRecord(nil), r.polls...)
}

// collectingSink gathers delivered events for assertions.
type collectingSink struct {
	mu     sync.Mutex
	events []events.Event
	wake   chan struct{}
}

func newCollectingSink() *collectingSink {
	return &collectingSink{wake: make(chan struct{}, 64)}
}

func (s *collectingSink) sink(ev events.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *collectingSink) snapshot() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func (s *collectingSink) waitFor(t *testing.T, count int) []events.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if got := s.snapshot(); len(got) >= count {
			return got
		}
		select {
		case <-s.wake:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, have %v", count, s.snapshot())
		}
	}
}

func newTestBackend(t *testing.T, serverURL string, sink netapi.Sink, controller *reconnect.Controller) *Backend {
	t.Helper()
	backend := New(Options{
		BaseURL:        serverURL,
		ConnectTimeout: time.Second,
		PollPause:      5 * time.Millisecond,
		Logger:         logging.NewTestLogger(),
		Controller:     controller,
	}, sink)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestConnectFailsWhenServerUnreachable(t *testing.T) {
	relay := newScriptedRelay()
	relay.healthy.Store(false)
	server := httptest.NewServer(relay.handler())
	defer server.Close()

	backend := newTestBackend(t, server.URL, func(events.Event) {}, nil)
	err := backend.Connect(context.Background())
	if !errors.Is(err, netapi.ErrConnectivity) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
}

func TestPollDeliversInOrderAndDeduplicates(t *testing.T) {
	relay := newScriptedRelay(
		[]events.Event{{ID: 1, Type: events.TypeGameEvent}, {ID: 2, Type: events.TypeGameEvent}},
		//1.- The relay resends id 2 alongside id 3; the ledger must suppress it.
		[]events.Event{{ID: 2, Type: events.TypeGameEvent}, {ID: 3, Type: events.TypeGameEvent}},
	)
	server := httptest.NewServer(relay.handler())
	defer server.Close()

	sink := newCollectingSink()
	backend := newTestBackend(t, server.URL, sink.sink, nil)
	if err := backend.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	backend.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyGame, ID: "g1"})

	got := sink.waitFor(t, 3)
	for i, want := range []int64{1, 2, 3} {
		if got[i].ID != want {
			t.Fatalf("expected id %d at position %d, got %d", want, i, got[i].ID)
		}
	}
}

func TestPollAdvancesCursor(t *testing.T) {
	relay := newScriptedRelay(
		[]events.Event{{ID: 5, Type: events.TypeGameEvent}},
	)
	server := httptest.NewServer(relay.handler())
	defer server.Close()

	sink := newCollectingSink()
	backend := newTestBackend(t, server.URL, sink.sink, nil)
	if err := backend.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	backend.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyGame, ID: "g1"})
	sink.waitFor(t, 1)

	//1.- Wait for at least one poll after the delivery, then inspect cursors.
	deadline := time.After(3 * time.Second)
	for {
		records := relay.pollRecords()
		if len(records) >= 2 {
			last := records[len(records)-1]
			if last.after != "5" {
				t.Fatalf("expected cursor 5 after delivery, got %q", last.after)
			}
			if last.key != "game:g1" {
				t.Fatalf("unexpected poll key %q", last.key)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("backend never polled twice, records %v", records)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSwitchingGamesResetsCursor(t *testing.T) {
	relay := newScriptedRelay(
		[]events.Event{{ID: 5, Type: events.TypeGameEvent}},
	)
	server := httptest.NewServer(relay.handler())
	defer server.Close()

	sink := newCollectingSink()
	backend := newTestBackend(t, server.URL, sink.sink, nil)
	if err := backend.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	backend.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyGame, ID: "g1"})
	sink.waitFor(t, 1)

	//1.- A new game starts a new numbering space: the cursor must restart at 0.
	backend.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyGame, ID: "g2"})
	deadline := time.After(3 * time.Second)
	for {
		records := relay.pollRecords()
		if len(records) > 0 {
			last := records[len(records)-1]
			if last.key == "game:g2" {
				if last.after != "0" {
					t.Fatalf("expected cursor reset for the new game, got %q", last.after)
				}
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("backend never polled the new game, records %v", records)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestServerRejectionSurfacesAsProtocolError(t *testing.T) {
	relay := newScriptedRelay()
	server := httptest.NewServer(relay.handler())
	defer server.Close()
	relay.setResult(netapi.PathSendChallenge, netapi.OpResult{Error: "target no longer available"})

	backend := newTestBackend(t, server.URL, func(events.Event) {}, nil)
	err := backend.SendChallenge(context.Background(), "alice", "bob", netapi.ChallengeOptions{})
	if !errors.Is(err, netapi.ErrProtocol) {
		t.Fatalf("expected protocol rejection, got %v", err)
	}
}

func TestAcceptChallengeSynthesizesNotification(t *testing.T) {
	relay := newScriptedRelay()
	server := httptest.NewServer(relay.handler())
	defer server.Close()

	assignment := netapi.GameAssignment{GameID: "g7", HostID: "alice", GuestID: "bob"}
	data, _ := json.Marshal(assignment)
	relay.setResult(netapi.PathAcceptChallenge, netapi.OpResult{OK: true, Data: data})

	sink := newCollectingSink()
	backend := newTestBackend(t, server.URL, sink.sink, nil)
	if err := backend.AcceptChallenge(context.Background(), "bob", "alice"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	got := sink.waitFor(t, 1)
	if got[0].Type != events.TypeChallengeAccepted {
		t.Fatalf("expected a challengeAccepted event, got %v", got[0].Type)
	}
	var delivered netapi.GameAssignment
	if err := json.Unmarshal(got[0].Payload, &delivered); err != nil || delivered.GameID != "g7" {
		t.Fatalf("expected the assignment payload, got %s", got[0].Payload)
	}
}

func TestExhaustedRetryBudgetDeliversConnectionLost(t *testing.T) {
	relay := newScriptedRelay()
	server := httptest.NewServer(relay.handler())

	controller := reconnect.New(reconnect.Options{
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
		MaxAttempts: 2,
		Logger:      logging.NewTestLogger(),
	})
	sink := newCollectingSink()
	backend := newTestBackend(t, server.URL, sink.sink, controller)
	if err := backend.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	backend.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyWaiting, ID: "alice"})

	//1.- Kill the relay: every poll and probe now fails until the budget runs out.
	server.Close()

	got := sink.waitFor(t, 1)
	last := got[len(got)-1]
	if last.Type != events.TypeConnectionLost {
		t.Fatalf("expected connectionLost, got %v", last.Type)
	}
	if controller.State() != reconnect.Disconnected {
		t.Fatalf("expected disconnected state, got %v", controller.State())
	}
}

func TestConnectRestartsPollingAfterBudgetExhaustion(t *testing.T) {
	relay := newScriptedRelay()
	server := httptest.NewServer(relay.handler())
	defer server.Close()

	controller := reconnect.New(reconnect.Options{
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
		MaxAttempts: 2,
		Logger:      logging.NewTestLogger(),
	})
	sink := newCollectingSink()
	backend := newTestBackend(t, server.URL, sink.sink, controller)
	if err := backend.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	backend.SetDeliveryKey(netapi.DeliveryKey{Kind: netapi.KeyWaiting, ID: "alice"})

	//1.- Wait until the loop is demonstrably polling, then take the relay down.
	deadline := time.After(3 * time.Second)
	for len(relay.pollRecords()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("backend never polled")
		case <-time.After(2 * time.Millisecond):
		}
	}
	relay.down.Store(true)

	got := sink.waitFor(t, 1)
	if got[len(got)-1].Type != events.TypeConnectionLost {
		t.Fatalf("expected connectionLost, got %v", got[len(got)-1].Type)
	}

	//2.- With the relay back up, a fresh Connect must resume delivery where
	// the halted loop left off.
	relay.down.Store(false)
	before := len(relay.pollRecords())
	if err := backend.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	deadline = time.After(3 * time.Second)
	for len(relay.pollRecords()) <= before {
		select {
		case <-deadline:
			t.Fatalf("polling never resumed after reconnect, still %d polls", before)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestConcurrentReceiveKeepsOnePollInFlight(t *testing.T) {
	relay := newScriptedRelay()
	relay.pollDelay = 50 * time.Millisecond
	server := httptest.NewServer(relay.handler())
	defer server.Close()

	backend := newTestBackend(t, server.URL, func(events.Event) {}, nil)
	if err := backend.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	key := netapi.DeliveryKey{Kind: netapi.KeyWaiting, ID: "alice"}
	backend.SetDeliveryKey(key)

	//1.- Hammer manual receives while the scheduler holds a slow poll open.
	// The guard must fold them into the cycle already running.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := backend.pollOnce(context.Background(), key); err != nil {
					t.Errorf("manual receive: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := relay.maxConcurrentPolls(); got != 1 {
		t.Fatalf("expected at most one poll in flight, observed %d", got)
	}
}
