// Command dicesoccer-relay runs the session relay: the lobby, challenge, and
// game-event server both transports speak to.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thehijacker/dicesoccer-sub001/internal/config"
	"github.com/thehijacker/dicesoccer-sub001/internal/logging"
	"github.com/thehijacker/dicesoccer-sub001/internal/netapi"
	"github.com/thehijacker/dicesoccer-sub001/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Error("configuration invalid", logging.Error(err))
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Error("logger setup failed", logging.Error(err))
		os.Exit(1)
	}
	defer logger.Sync()

	core := relay.New(relay.Options{
		PollHold:        cfg.PollHold.Std(),
		HeartbeatExpiry: cfg.HeartbeatExpiry.Std(),
		ChallengeWindow: cfg.ChallengeWindow.Std(),
		ChallengeBurst:  cfg.ChallengeBurst,
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	core.Start(ctx)

	mux := http.NewServeMux()
	relay.NewHandlerSet(core, logger).Register(mux)
	hub := relay.NewHub(core, logger, cfg.AllowedOrigins)
	mux.HandleFunc(netapi.PathPush, hub.ServeWS)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	go func() {
		<-ctx.Done()
		//1.- Tell connected players to tear down before the listener dies.
		core.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown incomplete", logging.Error(err))
		}
	}()

	logger.Info("relay listening", logging.String("url", listenerURL(cfg.Address)))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("relay server failed", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("relay stopped")
}
