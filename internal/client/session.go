package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lorrc/labnotify/internal/config"
	"github.com/lorrc/labnotify/internal/core/domain"
)

// Session wires the engine, the push transport and the polling fallback for
// one signed-in user.
type Session struct {
	Engine    *Engine
	Transport *Transport
	poller    *Poller

	refreshInterval time.Duration
	logger          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	closeOnce sync.Once
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	engine    []EngineOption
	transport []TransportOption
}

// WithEngineOptions forwards options to the engine.
func WithEngineOptions(opts ...EngineOption) SessionOption {
	return func(o *sessionOptions) { o.engine = append(o.engine, opts...) }
}

// WithTransportOptions forwards options to the transport.
func WithTransportOptions(opts ...TransportOption) SessionOption {
	return func(o *sessionOptions) { o.transport = append(o.transport, opts...) }
}

// NewSession builds a session from client configuration.
func NewSession(cfg *config.ClientConfig, api API, wsURL string, logger *slog.Logger, opts ...SessionOption) *Session {
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		refreshInterval: cfg.RefreshInterval,
		logger:          logger.With("component", "session", "user_id", cfg.UserID, "role", cfg.Role),
	}

	s.Engine = NewEngine(api, cfg.UserID, NewDeduper(PolicyFor(cfg), nil), logger, o.engine...)
	s.poller = NewPoller(api, cfg.Role, cfg.UserID, cfg.PollLimit, cfg.PollInterval, s.Engine.OnPush, logger)

	transportOpts := append([]TransportOption{WithStateHandler(s.onTransportState)}, o.transport...)
	s.Transport = NewTransport(wsURL, logger, transportOpts...)

	for _, ch := range domain.DefaultChannels(cfg.UserID, cfg.Role) {
		s.Transport.Subscribe(ch.Name(), s.Engine.OnPush)
	}
	return s
}

// Start runs the transport and the periodic refresh. The poller runs until
// the first connection succeeds.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.startPoller()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Transport.Run(s.ctx); err != nil {
			s.logger.Error("transport stopped", "error", err)
		}
	}()

	if s.refreshInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(s.refreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-s.ctx.Done():
					return
				case <-ticker.C:
					s.Engine.Refresh()
				}
			}
		}()
	}
}

func (s *Session) onTransportState(connected bool) {
	if connected {
		s.stopPoller()
		s.Engine.OnConnect()
		return
	}
	if s.ctx != nil && s.ctx.Err() == nil {
		s.logger.Info("push channel down, polling for new requests")
		s.startPoller()
	}
}

// Polling reports whether the fallback poller is running.
func (s *Session) Polling() bool {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return s.pollCancel != nil
}

func (s *Session) startPoller() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.pollCancel != nil || s.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.pollCancel = cancel
	s.pollDone = done

	go func() {
		defer close(done)
		s.poller.Run(ctx)
	}()
}

func (s *Session) stopPoller() {
	s.pollMu.Lock()
	cancel, done := s.pollCancel, s.pollDone
	s.pollCancel, s.pollDone = nil, nil
	s.pollMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Close unsubscribes all handlers, stops polling and the engine. No state
// changes happen afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Transport.Close()
		if s.cancel != nil {
			s.cancel()
		}
		s.stopPoller()
		s.wg.Wait()
		s.Engine.Close()
	})
}
