package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/docopt/docopt-go"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/api"
	"github.com/manpreetbhatti/codeshare/internal/config"
	"github.com/manpreetbhatti/codeshare/internal/db"
	"github.com/manpreetbhatti/codeshare/internal/extern"
	"github.com/manpreetbhatti/codeshare/internal/janitor"
	"github.com/manpreetbhatti/codeshare/internal/mirror"
	"github.com/manpreetbhatti/codeshare/internal/protocol"
	"github.com/manpreetbhatti/codeshare/internal/ws"
)

const Version = "0.1.0"

const usage = `Codeshare room server.

Unset options fall back to PORT, CODESHARE_DB_PATH, REDIS_ADDR, LOG_LEVEL
and LOG_FORMAT.

Usage:
    server [--port=<port>] [--db=<path>] [--redis=<addr>]
        [--log-level=<level>] [--log-format=<format>]
        [--ping-interval=<d>] [--pong-timeout=<d>]
        [--room-idle=<d>] [--sweep-interval=<d>] [--history-keep=<n>]
    server -h | --help
    server --version

Options:
    -h --help                Show this screen.
    --version                Show version.
    --port=<port>            HTTP port, 8080 when unset.
    --db=<path>              sqlite file for saved code.
    --redis=<addr>           Mirror room events to this Redis server.
    --log-level=<level>      trace, debug, info, warn or error.
    --log-format=<format>    console or json.
    --ping-interval=<d>      Heartbeat ping interval, e.g. 30s.
    --pong-timeout=<d>       Close connections silent for this long after a ping.
    --room-idle=<d>          Drop empty rooms after this long, e.g. 10m.
    --sweep-interval=<d>     How often idle rooms are swept.
    --history-keep=<n>       Saved snapshots kept per room.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	cfg, err := config.Load(opts, os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	setupLogging(cfg)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	hubOpts := cfg.HubOptions()

	var roomMirror *mirror.Redis
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := mirror.Dial(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("room mirror disabled")
		} else {
			roomMirror = mirror.New(client, mirror.DefaultConfig())
			hubOpts.Mirror = roomMirror
			log.Info().Str("redis", cfg.RedisAddr).Msg("mirroring room events")
		}
	}

	hub := ws.NewHub(hubOpts)
	extern.NewHistory(database, hub.Registry()).Register(hub)
	hub.Handle(protocol.TypeChatMessage, extern.NewRelay(true).Handle)
	hub.Handle(protocol.TypeTeacherBroadcast, extern.NewRelay(false).Handle)
	hub.Handle(protocol.TypeAIRequest, extern.Unhandled)
	hub.Handle(protocol.TypeRunCode, extern.Unhandled)
	go hub.Run()

	sweeper := janitor.New(hub, database, janitor.Config{
		Interval:      cfg.SweepInterval,
		RoomIdleAfter: cfg.RoomIdleAfter,
		HistoryKeep:   cfg.HistoryKeep,
	})
	sweeper.Start()

	apiHandler := api.New(hub, database)
	if roomMirror != nil {
		apiHandler.SetMirror(roomMirror)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})
	apiHandler.Routes(mux)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Str("db", cfg.DBPath).Msg("codeshare server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("ListenAndServe")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"codeshare": func(ctx context.Context) error {
				log.Info().Msg("shutting down server")
				err := server.Shutdown(ctx)
				sweeper.Stop()
				// closes every websocket, which the http server does not track
				hub.Stop()
				if roomMirror != nil {
					if mErr := roomMirror.Close(ctx); mErr != nil {
						log.Warn().Err(mErr).Msg("mirror did not drain")
					}
				}
				if dbErr := database.Close(); dbErr != nil && err == nil {
					err = dbErr
				}
				return err
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("server exited")
	os.Exit(exitCode)
}

func setupLogging(cfg config.Config) {
	level, _ := cfg.Level()
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
