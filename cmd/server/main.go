package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"market-chat/auth"
	"market-chat/contract"
	"market-chat/errors"
	"market-chat/infrastructure/grpc"
	"market-chat/infrastructure/notify"
	"market-chat/infrastructure/rest"
	"market-chat/infrastructure/storage"
	"market-chat/infrastructure/ws"
	"market-chat/internal"
	"market-chat/observability"
	"market-chat/repositories"
	"market-chat/runtime"
	"market-chat/runtime/workers"
	"market-chat/services"
	"market-chat/sink"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/database"
	"github.com/mama165/sdk-go/logs"
	"golang.org/x/sync/errgroup"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const shutdownTimeout = 10 * time.Second

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Chat server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run loads the configuration and blocks until a signal or a server failure.
// Deferred cleanups run before main calls os.Exit.
func run() (int, error) {
	config, err := internal.LoadConfig()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	logger := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, config, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.supervisor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.api.Start(fmt.Sprintf("%s:%d", config.Host, config.HTTPPort))
	})
	if config.GRPCPort > 0 {
		g.Go(func() error {
			return grpc.NewHealthServer(logger, a.readiness, config.MetricInterval).
				Serve(gctx, fmt.Sprintf("%s:%d", config.Host, config.GRPCPort))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.api.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return exitRuntime, err
	}
	logger.Info("Program stopped cleanly")
	return exitOK, nil
}

// app holds the wired service. Both gateways share one chat service.
type app struct {
	logger     *slog.Logger
	store      contract.ConversationStore
	bus        *notify.Bus
	arena      *runtime.Arena
	supervisor contract.ISupervisor
	api        *rest.Server
	readiness  func(ctx context.Context) error
}

func newApp(ctx context.Context, config internal.Config, logger *slog.Logger) (*app, error) {
	// 1. Conversation store
	store, inspector, err := openStore(ctx, config, logger)
	if err != nil {
		return nil, err
	}

	// 2. Notification bus
	hostname, _ := os.Hostname()
	bus, err := notify.NewBus(ctx, logger, notify.Settings{
		RedisAddr:     config.RedisAddr,
		ConsumerGroup: config.NotificationGroup,
		Consumer:      hostname,
		Topic:         config.NotificationTopic,
		BufferSize:    config.NotificationBufferSize,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	// 3. External collaborators
	listings, err := listingOracle(config)
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		return nil, err
	}
	attachments := storage.NewAttachmentResolver(logger, config.AttachmentDir, config.AttachmentBaseURL)
	notifier := sink.NewWatermillNotifier(logger, bus.Publisher, config.NotificationTopic)
	verifier := auth.NewJWTVerifier(config.JWTSecret)

	// 4. Chat core
	monitoring := observability.NewMonitoringManager(logger)
	registry := runtime.NewRegistry()
	membership := services.NewMembership(store)
	fanout := runtime.NewEventFanout(logger, registry, store, notifier, monitoring, config.PushTimeout)
	arena := runtime.NewArena(ctx, logger, fanout)
	presence := runtime.NewPresence(logger, registry, store, fanout, arena, membership, config.TypingTimeout)
	dispatcher := runtime.NewDispatcher(logger, store, arena, membership, presence, attachments, monitoring,
		config.MaxContentLength, config.EditWindow)
	manager := services.NewConversationManager(logger, store, membership, dispatcher, arena, listings, config.MaxGroupParticipants)
	reads := services.NewReadReceipts(logger, store, membership, arena)
	chat := services.NewChatService(store, manager, reads, dispatcher, presence, config.HistoryPageSize, config.HistoryMaxPageSize)

	monitoring.WithGauges(func() (int, int, int) {
		users, sessions := registry.Count()
		return users, sessions, arena.Size()
	})

	readiness := func(ctx context.Context) error {
		_, err := store.GetConversation(ctx, "readiness-probe")
		if err == nil || stderrors.Is(err, errors.ErrConversationNotFound) {
			return nil
		}
		return err
	}

	// 5. Background workers
	supervisor := workers.NewSupervisor(logger, config.RestartInterval).Add(
		workers.NewTypingSweeper(logger, presence, config.TypingTimeout/2),
		workers.NewIdleReaper(logger, registry, presence, config.KeepAliveTimeout, config.PingInterval),
		workers.NewNotificationRelay(logger, bus.Subscriber, config.NotificationTopic, nil),
		workers.NewStatsReporter(monitoring, config.MetricInterval),
	)

	// 6. Gateways
	api := rest.NewServer(logger, chat, verifier, rest.Settings{
		OperatorKeyHash: config.OperatorKeyHash,
		Readiness:       readiness,
		Stats:           monitoring,
		Inspector:       inspector,
		MaxBodySize:     fmt.Sprintf("%dB", config.MaxMessageSize),
	})
	ws.NewServer(logger, chat, verifier, ws.Settings{
		PingInterval:   config.PingInterval,
		KeepAlive:      config.KeepAliveTimeout,
		WriteTimeout:   config.WriteTimeout,
		RequestTimeout: config.RequestTimeout,
		MaxMessageSize: config.MaxMessageSize,
		BufferSize:     config.ConnectionBufferSize,
	}).Register(api.Echo())

	return &app{
		logger:     logger,
		store:      store,
		bus:        bus,
		arena:      arena,
		supervisor: supervisor,
		api:        api,
		readiness:  readiness,
	}, nil
}

// close stops the workers, drains the outboxes, then releases the bus and the store.
func (a *app) close() {
	a.supervisor.Stop()
	a.arena.Wait()
	_ = a.bus.Close()
	a.logger.Info("Closing conversation store...")
	_ = a.store.Close()
}

func openStore(ctx context.Context, config internal.Config, logger *slog.Logger) (contract.ConversationStore, rest.Inspector, error) {
	switch config.StoreDriver {
	case internal.StoreMemory:
		logger.Warn("Conversations are kept in memory only")
		return repositories.NewMemoryStore(), nil, nil
	case internal.StoreSQLite:
		store, err := repositories.NewSQLiteStore(config.SQLiteDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite opening failed: %w", err)
		}
		return store, nil, nil
	default:
		db, err := badger.Open(buildBadgerOpts(config, logger, ctx))
		if err != nil {
			return nil, nil, fmt.Errorf("database opening failed: %w", err)
		}
		if logger.Enabled(ctx, slog.LevelDebug) {
			endpoint := "/inspect"
			logger.Info("Debug Badger inspector available", "url", fmt.Sprintf("http://localhost:%d%s", config.DebugPort, endpoint))
			database.StartDebugServer(db, config.DebugPort, endpoint, inspectMapper)
		}
		store := repositories.NewBadgerStore(db, logger)
		return store, store, nil
	}
}

func buildBadgerOpts(config internal.Config, logger *slog.Logger, ctx context.Context) badger.Options {
	options := badger.DefaultOptions(config.BadgerFilepath)
	if logger.Enabled(ctx, slog.LevelDebug) {
		options = options.WithLoggingLevel(badger.DEBUG)
	} else {
		options = options.WithLoggingLevel(badger.WARNING)
	}
	return options
}

func inspectMapper(key string, val []byte) database.InspectRow {
	row := database.DefaultMapper(key, val)
	decoded := repositories.InspectRecord(key, val)
	row.Type = decoded.Type
	row.Detail = decoded.Detail
	return row
}

func listingOracle(config internal.Config) (contract.ListingOracle, error) {
	if config.ListingServiceURL != "" {
		return storage.NewHTTPListingOracle(config.ListingServiceURL, config.RequestTimeout), nil
	}
	return storage.LoadStaticListings(config.ListingsFile)
}
