package session

import (
	"fmt"

	"github.com/thehijacker/dicesoccer-sub001/internal/config"
	"github.com/thehijacker/dicesoccer-sub001/internal/identity"
	"github.com/thehijacker/dicesoccer-sub001/internal/logging"
	"github.com/thehijacker/dicesoccer-sub001/internal/netapi"
	"github.com/thehijacker/dicesoccer-sub001/internal/reconnect"
	"github.com/thehijacker/dicesoccer-sub001/internal/transport/longpoll"
	"github.com/thehijacker/dicesoccer-sub001/internal/transport/push"
)

// New selects a transport backend from the configuration and wires it to a
// fresh manager. Both backends present the same contract; callers never learn
// which one is active.
func New(cfg *config.Config, logger *logging.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration required")
	}
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	controller := reconnect.New(reconnect.Options{
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		BackoffBase:       cfg.BackoffBase.Std(),
		BackoffMax:        cfg.BackoffMax.Std(),
		MaxAttempts:       cfg.MaxReconnectAttempts,
		Logger:            logger,
	})

	var buildErr error
	manager := NewManager(controller, logger, func(sink netapi.Sink) netapi.Backend {
		switch cfg.Transport {
		case config.TransportPush:
			backend, err := push.New(push.Options{
				BaseURL:        cfg.ServerURL,
				ConnectTimeout: cfg.ConnectTimeout.Std(),
				LedgerCapacity: cfg.LedgerCapacity,
				Logger:         logger,
				Controller:     controller,
			}, sink)
			if err != nil {
				buildErr = err
				return nil
			}
			return backend
		case config.TransportLongPoll:
			return longpoll.New(longpoll.Options{
				BaseURL:        cfg.ServerURL,
				ConnectTimeout: cfg.ConnectTimeout.Std(),
				PollPause:      cfg.PollPause.Std(),
				LedgerCapacity: cfg.LedgerCapacity,
				Logger:         logger,
				Controller:     controller,
			}, sink)
		default:
			buildErr = fmt.Errorf("unknown transport %q", cfg.Transport)
			return nil
		}
	})
	if buildErr != nil {
		return nil, buildErr
	}
	//1.- The device identity lives at the configured path so the player keeps
	// their identifier across restarts.
	manager.identity = identity.NewStore(cfg.IdentityPath, logger)
	return manager, nil
}
