// Package api serves the SupportPipe conversation endpoint over HTTP.
//
// Run wires the checkpoint store, action registry, decision-maker, code notifier and
// support graph together, runs startup recovery and serves until SIGINT or SIGTERM.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/SupportPipe/internal/flow"
	"github.com/BTreeMap/SupportPipe/internal/genai"
	"github.com/BTreeMap/SupportPipe/internal/graph"
	"github.com/BTreeMap/SupportPipe/internal/lockfile"
	"github.com/BTreeMap/SupportPipe/internal/messaging"
	"github.com/BTreeMap/SupportPipe/internal/models"
	"github.com/BTreeMap/SupportPipe/internal/recovery"
	"github.com/BTreeMap/SupportPipe/internal/store"
	"github.com/BTreeMap/SupportPipe/internal/tools"
	"github.com/BTreeMap/SupportPipe/internal/twiliosms"
)

const (
	// DefaultServerAddress is the listen address when WithAddr is not given.
	DefaultServerAddress = ":8080"
	// shutdownTimeout bounds how long in-flight turns may finish after a signal.
	shutdownTimeout = 15 * time.Second
)

// Notifier modes accepted by WithNotifierMode.
const (
	NotifierDirect = "direct"
	NotifierOutbox = "outbox"
	NotifierLog    = "log"
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr               string
	MaxSteps           int
	NotifierMode       string
	Destination        string // phone number receiving verification codes
	OutboxPollInterval time.Duration
	LockDir            string // state directory to lock; empty disables locking
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMaxSteps bounds the steps a single turn may run.
func WithMaxSteps(n int) Option {
	return func(o *Opts) { o.MaxSteps = n }
}

// WithNotifierMode selects how verification codes are delivered.
func WithNotifierMode(mode string) Option {
	return func(o *Opts) { o.NotifierMode = mode }
}

// WithDestination sets the phone number verification codes are sent to.
func WithDestination(phone string) Option {
	return func(o *Opts) { o.Destination = phone }
}

// WithOutboxPollInterval sets how often queued codes are sent in outbox mode.
func WithOutboxPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.OutboxPollInterval = d }
}

// WithLockDir takes an exclusive lock on dir for the lifetime of the server.
func WithLockDir(dir string) Option {
	return func(o *Opts) { o.LockDir = dir }
}

// Run builds every component from the given options and serves until the process
// receives SIGINT or SIGTERM.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, smsOpts []twiliosms.Option, apiOpts []Option) error {
	cfg := Opts{Addr: DefaultServerAddress, NotifierMode: NotifierDirect}
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	slog.Debug("api.Run: configuration", "addr", cfg.Addr, "notifierMode", cfg.NotifierMode, "maxSteps", cfg.MaxSteps, "lockDir", cfg.LockDir)

	if cfg.LockDir != "" {
		lock, err := lockfile.AcquireLock(cfg.LockDir, cfg.Addr)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("api.Run: failed to close store", "error", err)
		}
	}()

	gaClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to create decision-maker client: %w", err)
	}
	registry := tools.DefaultRegistry()
	decider := flow.NewLLMDecisionMaker(gaClient, registry)

	var sender twiliosms.Sender
	if client, err := twiliosms.NewClient(smsOpts...); err != nil {
		slog.Debug("api.Run: Twilio not configured", "error", err)
	} else {
		sender = client
	}
	notifier, outbox, err := newNotifier(cfg.NotifierMode, cfg.Destination, st, sender, cfg.OutboxPollInterval)
	if err != nil {
		return err
	}

	sf, err := flow.NewSupportFlow(decider, registry, notifier)
	if err != nil {
		return err
	}
	var graphOpts []graph.Option
	if cfg.MaxSteps > 0 {
		graphOpts = append(graphOpts, graph.WithMaxSteps(cfg.MaxSteps))
	}
	g, err := sf.Compile(graph.NewStoreCheckpointer[models.ConversationState](st), graphOpts...)
	if err != nil {
		return fmt.Errorf("failed to compile support graph: %w", err)
	}
	slog.Info("api.Run: support graph compiled", "graph", flow.GraphName, "interrupts", g.Interrupts(), "actions", registry.Names())
	ctrl, err := flow.NewController(g)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rm := recovery.NewRecoveryManager(st)
	rm.RegisterRecoverable(recovery.NewCheckpointScanner(flow.GraphName))
	if repo, ok := st.(store.OutboxRepo); ok {
		rm.RegisterRecoverable(recovery.NewOutboxRecovery(repo, 0))
	}
	if _, err := rm.RecoverAll(ctx); err != nil {
		// Partial recovery leaves threads resumable; keep serving.
		slog.Error("api.Run: recovery reported errors", "error", err)
	}

	if outbox != nil {
		go outbox.Run(ctx)
	}

	srv := NewServer(ctrl)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	return serve(ctx, httpServer)
}

// serve runs httpServer until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, httpServer *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("api.serve: SupportPipe API running", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("api.serve: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// newNotifier selects code delivery. Only log mode logs codes instead of sending
// them; the other modes fail without a Twilio sender. Outbox mode needs a store
// that implements store.OutboxRepo and otherwise falls back to direct delivery.
func newNotifier(mode, destination string, st store.CheckpointStore, sender twiliosms.Sender, pollInterval time.Duration) (messaging.Notifier, *store.OutboxSender, error) {
	switch mode {
	case NotifierDirect, NotifierOutbox, NotifierLog, "":
	default:
		return nil, nil, fmt.Errorf("unknown notifier mode %q", mode)
	}
	if mode == NotifierLog {
		slog.Warn("api.newNotifier: log mode, verification codes will only be logged")
		return messaging.NewLogNotifier(nil), nil, nil
	}
	if sender == nil {
		return nil, nil, fmt.Errorf("notifier mode %q requires Twilio credentials", mode)
	}

	if mode == NotifierOutbox {
		repo, ok := st.(store.OutboxRepo)
		if !ok {
			slog.Warn("api.newNotifier: store has no outbox, sending codes directly", "store", fmt.Sprintf("%T", st))
		} else {
			n, err := messaging.NewOutboxNotifier(repo, destination)
			if err != nil {
				return nil, nil, err
			}
			return n, store.NewOutboxSender(repo, messaging.DeliverOutboxSMS(sender), pollInterval), nil
		}
	}

	n, err := messaging.NewSMSNotifier(sender, destination)
	if err != nil {
		return nil, nil, err
	}
	return n, nil, nil
}
