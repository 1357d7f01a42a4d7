package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/groupwatch/backend/internal/config"
	"github.com/groupwatch/backend/internal/feed"
	"github.com/groupwatch/backend/internal/heartbeat"
	"github.com/groupwatch/backend/internal/mock"
	"github.com/groupwatch/backend/internal/monitor"
	"github.com/groupwatch/backend/internal/roster"
	"github.com/groupwatch/backend/internal/session"
	"github.com/groupwatch/backend/internal/storage/sqlite"
	"github.com/groupwatch/backend/internal/ws"
)

const (
	feedThrottle     = 250 * time.Millisecond
	snapshotInterval = 30 * time.Second
	snapshotFeedSize = 50
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		mockMode bool
		port     int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracker and the dashboard API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, mockMode)
		},
	}
	cmd.Flags().BoolVar(&mockMode, "mock", false, "drive the tracker with synthetic events")
	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	return cmd
}

// app holds every running component so shutdown can unwind them in
// reverse start order.
type app struct {
	db          *sqlite.Store
	roster      *roster.Roster
	accumulator *heartbeat.Accumulator
	feed        *feed.Generator
	sessions    *session.Manager
	broadcaster *ws.Broadcaster
	router      *monitor.Router
	monitor     *monitor.Monitor
}

func buildApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.Storage.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := sqlite.Open(cfg.StatsDBPath())
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	a := &app{db: db, roster: roster.New()}
	a.accumulator = heartbeat.NewAccumulator(db, a.roster, heartbeat.Options{
		Interval:       cfg.Heartbeat.Interval,
		UnitMinutes:    cfg.Heartbeat.UnitMinutes,
		QueueSize:      cfg.Heartbeat.QueueSize,
		MigrationDelay: cfg.Heartbeat.MigrationDelay,
		LegacyLogPath:  cfg.Heartbeat.LegacyFriendLog,
	})

	a.feed = feed.NewGenerator(feed.Options{FriendSince: a.accumulator})
	if err := a.feed.Initialize(cfg.FeedDir()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize feed: %w", err)
	}

	a.sessions = session.NewManager(session.Options{
		Dir:             cfg.SessionsDir(),
		AllowedGroupIDs: cfg.Sessions.AllowedGroupIDs,
		HeaderReadBytes: cfg.Sessions.HeaderReadBytes,
	})

	a.broadcaster = ws.NewBroadcaster(a.snapshot, feedThrottle, snapshotInterval, cfg.Server.MaxConnections)
	a.sessions.SetNotifier(a.broadcaster)
	a.feed.Subscribe(a.broadcaster.QueueFeed)

	a.router = &monitor.Router{
		Sessions:   a.sessions,
		Roster:     a.roster,
		Encounters: a.accumulator,
		Feed:       a.feed,
	}
	return a, nil
}

// clientExited drops co-presence; the next location change starts fresh.
func (a *app) clientExited() {
	a.roster.Reset()
	a.router.ForgetLocation()
}

func (a *app) snapshot() ws.SnapshotPayload {
	entries, err := a.feed.RecentEntries(snapshotFeedSize)
	if err != nil {
		log.Printf("groupwatch: snapshot feed: %v", err)
	}
	return ws.SnapshotPayload{
		GroupID:   a.sessions.CurrentGroupID(),
		WorldName: a.sessions.WorldName(),
		Feed:      entries,
	}
}

func (a *app) backends() ws.Backends {
	b := ws.Backends{
		Sessions: a.sessions,
		Stats:    a.accumulator,
		Feed:     a.feed,
	}
	if a.monitor != nil {
		b.Health = a.monitor
	}
	return b
}

func (a *app) close() {
	a.accumulator.Stop()
	a.broadcaster.Stop()
	a.feed.Shutdown()
	if err := a.db.Close(); err != nil {
		log.Printf("groupwatch: closing stats db: %v", err)
	}
}

func newMonitor(cfg *config.Config, a *app) *monitor.Monitor {
	mon := monitor.NewMonitor(
		monitor.Options{
			PollInterval: cfg.Monitor.PollInterval,
			OffsetsPath:  cfg.MonitorOffsetsPath(),
		},
		a.router,
		monitor.NewFileSource("client", cfg.ClientEventsPath()),
		monitor.NewFileSource("friends", cfg.FriendEventsPath()),
	)
	if cfg.Monitor.ClientProcess != "" {
		mon.SetProcessProbe(monitor.NewProcessProbe(cfg.Monitor.ClientProcess), a.clientExited)
	}
	return mon
}

func serve(ctx context.Context, cfg *config.Config, mockMode bool) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.accumulator.Start(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if mockMode {
		log.Println("groupwatch: starting in mock mode")
		gen := mock.NewGenerator(a.router, mock.Options{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen.Start(runCtx)
		}()
	} else {
		log.Printf("groupwatch: tailing %s and %s", cfg.ClientEventsPath(), cfg.FriendEventsPath())
		a.monitor = newMonitor(cfg, a)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.monitor.Start(runCtx)
		}()
	}

	srv := ws.NewServer(cfg.Server, a.broadcaster, a.backends())
	err = ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, srv.Handler())

	// Event producers stop before the accumulator drains its queue.
	cancel()
	wg.Wait()
	log.Println("groupwatch: shutting down")
	return err
}
