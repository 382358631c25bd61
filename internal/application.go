package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carogames/gomoku-session/internal/config"
	"github.com/carogames/gomoku-session/internal/reconcile"
	"github.com/carogames/gomoku-session/internal/session"
	"github.com/carogames/gomoku-session/internal/store"
)

var ErrAddrNotFound = errors.New("redis address string is empty")

const leaveTimeout = 5 * time.Second

// RunApp - runs a headless client: creates or joins the configured room
// and logs every reconciled snapshot and event until interrupted. The
// actual rendering frontend consumes the same snapshots and events.
func RunApp(logger *slog.Logger, conf *config.Config) error {
	log := logger.With("component", "app")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	redisAddrString := conf.Redis.GetRedisAddr()
	if redisAddrString == "" {
		return ErrAddrNotFound
	}

	docStore, err := store.NewRedis(ctx, logger, redisAddrString)
	if err != nil {
		return fmt.Errorf("could not connect to redis store: %w", err)
	}

	defer func() {
		if err = docStore.Close(); err != nil {
			log.Error("could not close document store", "error", err)
		}
	}()

	client := session.NewClient(logger, docStore)

	if conf.Player.Room == "" {
		roomID, createErr := client.CreateRoom(ctx, conf.Player.Name)
		if createErr != nil {
			return fmt.Errorf("could not create room: %w", createErr)
		}

		log.Info("room created, share the id with your opponent", "room", roomID)
	} else {
		seat, joinErr := client.JoinRoom(ctx, conf.Player.Room, conf.Player.Name)
		if joinErr != nil {
			return fmt.Errorf("could not join room %s: %w", conf.Player.Room, joinErr)
		}

		log.Info("room joined", "room", conf.Player.Room, "seat", seat)
	}

	engine := reconcile.NewEngine(logger, client)

	go logViews(log, engine)

	engineErrCh := make(chan error, 1)
	go func() {
		engineErrCh <- engine.Run(ctx)
	}()

	select {
	case err = <-engineErrCh:
		if err != nil {
			return fmt.Errorf("reconcile engine stopped: %w", err)
		}

		return nil
	case <-ctx.Done():
		log.Info("Application context canceled, shutting down")

		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer leaveCancel()

		if err = client.LeaveRoom(leaveCtx); err != nil {
			log.Error("could not leave room", "error", err)
		}

		return nil
	}
}

// logViews drains snapshots and events; this process has no UI, the log
// stream is its display.
func logViews(log *slog.Logger, engine *reconcile.Engine) {
	for {
		select {
		case snapshot, ok := <-engine.Snapshots():
			if !ok {
				return
			}

			log.Info("snapshot",
				"version", snapshot.Version,
				"status", snapshot.StatusText,
				"turn", snapshot.Turn,
				"winner", snapshot.Winner,
			)
		case event, ok := <-engine.Events():
			if !ok {
				return
			}

			log.Info("event", "event", fmt.Sprintf("%T", event), "detail", event)
		}
	}
}
