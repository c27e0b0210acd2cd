package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pufkey/internal/config"
	"pufkey/internal/hardware"
	"pufkey/internal/logging"
	"pufkey/internal/metrics"
	"pufkey/internal/nonce"
	"pufkey/internal/puf"
	"pufkey/internal/store"
	"pufkey/internal/tick"
)

// haltError marks failures after which the device must not keep going:
// a tampered or foreign activation code, or a key code that fails to
// authenticate.
type haltError struct {
	err error
}

func (e *haltError) Error() string { return "halted: " + e.err.Error() }
func (e *haltError) Unwrap() error { return e.err }

// session wires one command invocation: config, logging, the engine and
// its manager, and optionally the store.
type session struct {
	cfg     *config.Config
	logger  *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.Metrics
	fp      hardware.Fingerprint
	engine  *hardware.Engine
	mgr     *puf.Manager
	nonces  nonce.Source
	store   store.Store

	// ranCycle is set once a lifecycle cycle has run, so commands that
	// only touch the store leave the last metrics textfile in place.
	ranCycle bool
}

type sessionOptions struct {
	store bool
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootArgs.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if rootArgs.logLevel != "" {
		cfg.Logging.Level = rootArgs.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func openSession(ctx context.Context, opts sessionOptions) (s *session, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	s = &session{cfg: cfg}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.logger, err = logging.New(cfg.LoggingSettings())
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(s.logger)

	recorders := []puf.Option{puf.WithLogger(s.logger.WithComponent("puf").Logger)}
	if cfg.Logging.AuditPath != "" {
		ac := logging.DefaultAuditConfig()
		ac.FilePath = cfg.Logging.AuditPath
		s.audit, err = logging.NewAuditLogger(ac)
		if err != nil {
			return nil, err
		}
		s.audit.BindOperation(ctx)
		recorders = append(recorders, puf.WithRecorder(s.audit))
	}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.New()
		recorders = append(recorders, puf.WithRecorder(s.metrics))
	}

	s.nonces, err = nonce.New(cfg.PUF.NonceSource)
	if err != nil {
		return nil, err
	}

	s.fp, err = hardware.OpenFingerprint(cfg.Fingerprint.Source, cfg.Fingerprint.SeedPath)
	if err != nil {
		return nil, fmt.Errorf("open fingerprint: %w", err)
	}

	tick.Start()
	clock := &tick.CounterClock{}
	engineOpts := []hardware.EngineOption{
		hardware.WithEngineClock(clock),
		hardware.WithEngineLogger(s.logger.WithComponent("engine").Logger),
	}
	if opts.store && cfg.Fingerprint.LedgerDir != "" {
		engineOpts = append(engineOpts, hardware.WithEnrollmentLedger(hardware.NewFileLedger(cfg.Fingerprint.LedgerDir)))
	}
	s.engine = hardware.NewEngine(s.fp, engineOpts...)
	s.mgr = puf.NewManager(s.engine, append(recorders, puf.WithClock(clock))...)

	if opts.store {
		s.store, err = store.New(ctx, cfg.Store, s.logger.WithComponent("store").Logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	s.logger.Debug("session ready",
		slog.String("device", s.engine.DeviceID()),
		slog.String("store", cfg.Store.Backend),
		slog.String("operation", logging.OperationIDFromContext(ctx)))
	return s, nil
}

func (s *session) close() {
	if s.metrics != nil && s.ranCycle {
		if s.engine != nil {
			s.metrics.AddReplays(s.engine.Bus().Replays())
		}
		if path := s.cfg.Metrics.TextfilePath; path != "" {
			if err := s.metrics.WriteTextfile(path); err != nil && s.logger != nil {
				s.logger.Warn("metrics not written", slog.String("error", err.Error()))
			}
		}
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.fp != nil {
		hardware.CloseFingerprint(s.fp)
	}
	if s.audit != nil {
		s.audit.Close()
	}
	if s.logger != nil {
		s.logger.Close()
	}
	tick.Stop()
}

func (s *session) deviceID() string {
	return s.engine.DeviceID()
}

// cycle runs fn inside one power cycle, bounded by the watchdog. The
// core cannot be interrupted, so on expiry the cycle is abandoned and
// the error returned.
func (s *session) cycle(ctx context.Context, fn func(*puf.Manager) error) error {
	timeout := rootArgs.timeout
	if timeout <= 0 {
		timeout = s.cfg.PUF.Timeout()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.ranCycle = true
	done := make(chan error, 1)
	go func() {
		done <- s.mgr.Cycle(s.cfg.PUF.HoldTime(), s.cfg.PUF.ClockHz, fn)
	}()

	select {
	case err := <-done:
		err = checkHalt(err)
		var halt *haltError
		if errors.As(err, &halt) {
			s.logger.Error("halting on tamper", slog.String("error", halt.err.Error()))
			s.logger.Sync()
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("lifecycle cycle abandoned: %w", ctx.Err())
	}
}

// activation loads this device's stored activation code.
func (s *session) activation(ctx context.Context) (*store.Activation, error) {
	act, err := s.store.Activation(ctx, s.deviceID())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("device %s is not enrolled, run 'pufctl enroll' first", s.deviceID())
	}
	return act, err
}

func checkHalt(err error) error {
	if err == nil {
		return nil
	}
	if puf.KindOf(err).Fatal() {
		return &haltError{err: err}
	}
	return err
}

func (s *session) auditTransfer(ctx context.Context, typ logging.AuditEventType, target string, codes int, err error) {
	if s.audit == nil {
		return
	}
	auditWarn(s.logger.Logger, s.audit.LogTransfer(ctx, typ, target, codes, err))
}

// auditWarn logs a failed audit write. Audit failures never fail the
// command that triggered them.
func auditWarn(l *slog.Logger, err error) {
	if err != nil {
		l.Warn("audit write failed", slog.String("error", err.Error()))
	}
}

func (s *session) printf(format string, args ...any) {
	fmt.Fprintf(rootCmd.OutOrStdout(), format, args...)
}
