package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomsync-server/config"
	roomsapi "roomsync-server/handlers/api/rooms"
	"roomsync-server/handlers/websocket"
	"roomsync-server/relay"
	"roomsync-server/rooms"
	"roomsync-server/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

func setupRouter(cfg *config.Config, store stores.Store, membership *rooms.Membership, documents *rooms.Documents) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(cfg.AllowedOrigins) == 0 {
		corsOptions.AllowOriginFunc = func(r *http.Request, origin string) bool {
			parsed, err := url.Parse(origin)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				return false
			}
			switch parsed.Hostname() {
			case "localhost", "127.0.0.1", "::1":
				return true
			}
			return false
		}
	}
	r.Use(cors.Handler(corsOptions))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]any{
			"status":      "ok",
			"storage":     cfg.StorageType,
			"connections": websocket.ActiveSessions(),
			"node":        cfg.NodeID,
		}
		if err := store.Ping(ctx); err != nil {
			logrus.WithError(err).Warn("Health check failed")
			status["status"] = "degraded"
			render.Status(r, http.StatusServiceUnavailable)
		}
		render.JSON(w, r, status)
	})

	r.Route("/api/rooms", func(r chi.Router) {
		r.Get("/", roomsapi.HandleList(store))
		r.Post("/", roomsapi.HandleCreate(membership))
		r.Route("/{roomId}", func(r chi.Router) {
			r.Get("/", roomsapi.HandleGetState(membership))
			r.Get("/exists", roomsapi.HandleExists(membership))
			r.Get("/document", roomsapi.HandleGetDocument(documents))
		})
	})

	return r
}

func setupFabric(cfg *config.Config, ioo *socketio.Server) (relay.Fabric, func(), error) {
	local := relay.NewSocketFabric(ioo)
	if cfg.Fabric != config.FabricRedis {
		return local, func() {}, nil
	}

	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fabric, err := relay.NewRedisFabric(ctx, local, client, cfg.FabricChannel, cfg.NodeID)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return fabric, func() { client.Close() }, nil
}

func waitForShutdown(ioo *socketio.Server, fabric relay.Fabric, closeFabric func(), store stores.Store) {
	exit := make(chan struct{})
	SignalC := make(chan os.Signal, 1)

	signal.Notify(SignalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range SignalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down...")
	ioo.Close(nil)
	if err := fabric.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close relay fabric")
	}
	closeFabric()
	if err := store.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close storage")
	}
	os.Exit(0)
}

func main() {
	logLevel := flag.String("loglevel", "", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", "", "Set the server listen address")
	storageType := flag.String("storage", "", "Set the room storage: memory, redis, sqlite")
	flag.Parse()

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Override(*logLevel, *listenAddr, *storageType); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	store, err := stores.GetStore(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open storage")
	}

	membership := rooms.NewMembership(store, cfg.MaxParticipants)
	documents := rooms.NewDocuments(store, cfg.RejectStaleUpdates)

	ioo := websocket.SetupSocketIO(cfg.AllowedOrigins)
	fabric, closeFabric, err := setupFabric(cfg, ioo)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up relay fabric")
	}
	websocket.Attach(ioo, websocket.NewHandler(membership, documents, fabric))

	r := setupRouter(cfg, store, membership, documents)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	logrus.WithFields(logrus.Fields{
		"addr":   cfg.ListenAddr,
		"fabric": cfg.Fabric,
		"node":   cfg.NodeID,
	}).Info("starting server")
	go func() {
		if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(ioo, fabric, closeFabric, store)
}
