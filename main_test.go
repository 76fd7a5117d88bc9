package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/thehijacker/dicesoccer-sub001/internal/config"
	"github.com/thehijacker/dicesoccer-sub001/internal/events"
	"github.com/thehijacker/dicesoccer-sub001/internal/identity"
	"github.com/thehijacker/dicesoccer-sub001/internal/logging"
	"github.com/thehijacker/dicesoccer-sub001/internal/netapi"
	"github.com/thehijacker/dicesoccer-sub001/internal/relay"
	"github.com/thehijacker/dicesoccer-sub001/internal/session"
)

// startRelay spins the full relay surface, both transports included, on an
// ephemeral listener.
func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	core := relay.New(relay.Options{
		PollHold:        2 * time.Second,
		HeartbeatExpiry: time.Minute,
		ChallengeWindow: time.Hour,
		ChallengeBurst:  100,
		Logger:          logging.NewTestLogger(),
	})
	mux := http.NewServeMux()
	relay.NewHandlerSet(core, logging.NewTestLogger()).Register(mux)
	hub := relay.NewHub(core, logging.NewTestLogger(), nil)
	mux.HandleFunc(netapi.PathPush, hub.ServeWS)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// newClient builds one session manager on the requested transport, with its
// notices draining into the returned channel.
func newClient(t *testing.T, serverURL, transport string) (*session.Manager, <-chan session.Notice) {
	t.Helper()
	cfg := config.Default()
	cfg.ServerURL = serverURL
	cfg.Transport = transport
	cfg.PollPause = config.Duration(10 * time.Millisecond)
	cfg.ConnectTimeout = config.Duration(2 * time.Second)

	manager, err := session.New(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("build %s client: %v", transport, err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	notices := make(chan session.Notice, 128)
	manager.Subscribe(session.ObserverFunc(func(notice session.Notice) {
		select {
		case notices <- notice:
		default:
		}
	}))
	return manager, notices
}

// awaitNotice drains the channel until a notice of the wanted kind arrives.
func awaitNotice(t *testing.T, notices <-chan session.Notice, kind session.NoticeKind) session.Notice {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case notice := <-notices:
			if notice.Kind == kind {
				return notice
			}
		case <-deadline:
			t.Fatalf("timed out waiting for notice kind %d", kind)
		}
	}
}

func awaitPhase(t *testing.T, manager *session.Manager, want session.Phase) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if manager.Phase() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for phase %v, stuck at %v", want, manager.Phase())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTwoPlayerMatch(t *testing.T) {
	for _, transport := range []string{config.TransportLongPoll, config.TransportPush} {
		transport := transport
		t.Run(transport, func(t *testing.T) {
			server := startRelay(t)
			alice, aliceNotices := newClient(t, server.URL, transport)
			bob, bobNotices := newClient(t, server.URL, transport)
			ctx := context.Background()

			//1.- Both players enter the lobby and Alice can see Bob.
			if err := alice.EnterLobby(ctx, "alice", "Alice"); err != nil {
				t.Fatalf("alice enter: %v", err)
			}
			if err := bob.EnterLobby(ctx, "bob", "Bob"); err != nil {
				t.Fatalf("bob enter: %v", err)
			}
			view, err := alice.RefreshLobby(ctx)
			if err != nil {
				t.Fatalf("alice refresh: %v", err)
			}
			var sawBob bool
			for _, p := range view.AvailablePlayers {
				if p.PlayerID == "bob" {
					sawBob = true
				}
			}
			if !sawBob {
				t.Fatalf("alice's lobby view is missing bob: %+v", view)
			}

			//2.- Alice challenges Bob; Bob sees the notice and accepts.
			if err := alice.Challenge(ctx, "bob", netapi.ChallengeOptions{Hints: true}); err != nil {
				t.Fatalf("alice challenge: %v", err)
			}
			incoming := awaitNotice(t, bobNotices, session.NoticeChallenge)
			if incoming.Challenge == nil || incoming.Challenge.Challenger.PlayerID != "alice" {
				t.Fatalf("unexpected challenge notice %+v", incoming.Challenge)
			}
			if !incoming.Challenge.Options.Hints {
				t.Fatalf("challenge options were not carried to the target")
			}
			if err := bob.AcceptChallenge(ctx, "alice"); err != nil {
				t.Fatalf("bob accept: %v", err)
			}

			//3.- Both sides establish the same game with complementary roles.
			aliceStart := awaitNotice(t, aliceNotices, session.NoticeGameStarted)
			bobStart := awaitNotice(t, bobNotices, session.NoticeGameStarted)
			if aliceStart.Handle.GameID != bobStart.Handle.GameID {
				t.Fatalf("game identity diverged: %q vs %q", aliceStart.Handle.GameID, bobStart.Handle.GameID)
			}
			if aliceStart.Handle.Role != session.RoleHost || aliceStart.Handle.LocalSlot != 1 {
				t.Fatalf("challenger must be host in slot 1, got %+v", aliceStart.Handle)
			}
			if bobStart.Handle.Role != session.RoleGuest || bobStart.Handle.LocalSlot != 2 {
				t.Fatalf("acceptor must be guest in slot 2, got %+v", bobStart.Handle)
			}

			//4.- Gameplay events flow in both directions, ordered and exactly once.
			for i := 1; i <= 3; i++ {
				payload, _ := json.Marshal(map[string]int{"roll": i})
				if err := alice.SendEvent(ctx, events.Event{Type: events.TypeGameEvent, Payload: payload}); err != nil {
					t.Fatalf("alice send %d: %v", i, err)
				}
			}
			for i := 1; i <= 3; i++ {
				notice := awaitNotice(t, bobNotices, session.NoticeGameEvent)
				var body map[string]int
				if err := json.Unmarshal(notice.Event.Payload, &body); err != nil {
					t.Fatalf("decode event %d: %v", i, err)
				}
				if body["roll"] != i {
					t.Fatalf("event %d arrived out of order: %+v", i, body)
				}
			}
			payload, _ := json.Marshal(map[string]string{"move": "save"})
			if err := bob.SendEvent(ctx, events.Event{Type: events.TypeGameEvent, Payload: payload}); err != nil {
				t.Fatalf("bob send: %v", err)
			}
			awaitNotice(t, aliceNotices, session.NoticeGameEvent)

			//5.- Alice leaves; Bob is told and both settle back to idle.
			if err := alice.LeaveGame(ctx); err != nil {
				t.Fatalf("alice leave: %v", err)
			}
			awaitNotice(t, bobNotices, session.NoticeGameEnded)
			awaitPhase(t, alice, session.PhaseIdle)
			awaitPhase(t, bob, session.PhaseIdle)
		})
	}
}

func TestFacadeMintsPersistentIdentity(t *testing.T) {
	server := startRelay(t)
	path := filepath.Join(t.TempDir(), "identity.json")

	cfg := config.Default()
	cfg.ServerURL = server.URL
	cfg.Transport = config.TransportLongPoll
	cfg.PollPause = config.Duration(10 * time.Millisecond)
	cfg.ConnectTimeout = config.Duration(2 * time.Second)
	cfg.IdentityPath = path

	manager, err := session.New(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("build client: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	//1.- Entering as self announces the minted, path-backed identifier.
	if err := manager.EnterLobbyAsSelf(context.Background(), "Alice"); err != nil {
		t.Fatalf("enter lobby: %v", err)
	}
	id := manager.Identity()
	if id.PlayerID == "" {
		t.Fatalf("expected a minted player id")
	}
	//2.- The identifier survives a fresh store reading the same path.
	again := identity.NewStore(path, logging.NewTestLogger()).GetOrCreate()
	if again.PlayerID != id.PlayerID {
		t.Fatalf("identity not persisted: %q vs %q", again.PlayerID, id.PlayerID)
	}
}

func TestDeclineReturnsChallengerToLobby(t *testing.T) {
	server := startRelay(t)
	alice, _ := newClient(t, server.URL, config.TransportLongPoll)
	bob, bobNotices := newClient(t, server.URL, config.TransportLongPoll)
	ctx := context.Background()

	if err := alice.EnterLobby(ctx, "alice", "Alice"); err != nil {
		t.Fatalf("alice enter: %v", err)
	}
	if err := bob.EnterLobby(ctx, "bob", "Bob"); err != nil {
		t.Fatalf("bob enter: %v", err)
	}
	if err := alice.Challenge(ctx, "bob", netapi.ChallengeOptions{}); err != nil {
		t.Fatalf("alice challenge: %v", err)
	}
	awaitNotice(t, bobNotices, session.NoticeChallenge)
	if err := bob.DeclineChallenge(ctx, "alice"); err != nil {
		t.Fatalf("bob decline: %v", err)
	}
	awaitPhase(t, alice, session.PhaseInLobby)
}
