package qbitsync

import (
	"context"
	"errors"
	"sync"

	"github.com/qbit-ai/qbitsync/core"
	"github.com/qbit-ai/qbitsync/httpapi"
	"github.com/qbit-ai/qbitsync/internal/appconfig"
	"github.com/qbit-ai/qbitsync/internal/auth"
	"github.com/qbit-ai/qbitsync/internal/command"
	"github.com/qbit-ai/qbitsync/schema"
	"github.com/qbit-ai/qbitsync/sshserver"
	"pkt.systems/pslog"
)

// Server composes the HTTP and SSH front ends over a single core service.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service             schema.ServiceConfig
	HTTP                httpapi.Config
	SSH                 sshserver.Config
	Auth                AuthConfig
	HubHistory          int
	DisableAuditLogging bool
}

// AuthConfig defines authentication storage settings.
type AuthConfig struct {
	UserFile  string
	SeedUsers []SeedUser
}

// SeedUser seeds an initial user record.
type SeedUser struct {
	Username     string
	PasswordHash string
	TOTPSecret   string
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	ServiceDeps core.ServiceDeps
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	enableSSH  bool
}

// WithHTTP enables the HTTP API/UI server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSSH enables the SSH server.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// New constructs a composable qbitsync server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableSSH {
		return nil, errors.New("no services enabled")
	}

	if deps.ServiceDeps.Host == nil {
		return nil, errors.New("host dependency is required")
	}
	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized

	serviceDeps := deps.ServiceDeps
	var hub *httpapi.Hub
	var notifier *sshserver.Notifier
	if options.enableSSH {
		notifier = sshserver.NewNotifier()
	}
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HubHistory)
	}

	sinks := make([]core.EventSink, 0, 3)
	if serviceDeps.EventSink != nil {
		sinks = append(sinks, serviceDeps.EventSink)
	}
	if hub != nil && serviceDeps.EventSink != hub {
		sinks = append(sinks, hub)
	}
	if notifier != nil && serviceDeps.EventSink != notifier {
		sinks = append(sinks, notifier)
	}
	switch len(sinks) {
	case 0:
	case 1:
		serviceDeps.EventSink = sinks[0]
	default:
		serviceDeps.EventSink = eventFanout{sinks: sinks}
	}

	service, err := core.NewService(cfg.Service, serviceDeps)
	if err != nil {
		return nil, err
	}

	logger := deps.ServiceDeps.Logger
	seeds := toSeedUsers(cfg.Auth.SeedUsers)
	authStore, err := auth.NewStoreWithLogger(cfg.Auth.UserFile, seeds, logger)
	if err != nil {
		return nil, err
	}

	cmdHandler := command.NewHandler(service, command.HandlerConfig{
		DisableAuditLogging: cfg.DisableAuditLogging,
	})

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		httpSrv = httpapi.NewServer(cfg.HTTP, service, cmdHandler, authStore, hub)
	}

	var sshSrv *sshserver.Server
	if options.enableSSH {
		sshSrv = &sshserver.Server{
			Config:   cfg.SSH,
			Service:  service,
			Handler:  cmdHandler,
			Auth:     authStore,
			Notifier: notifier,
		}
	}

	return &compositeServer{
		cfg:     cfg,
		options: options,
		service: service,
		httpSrv: httpSrv,
		sshSrv:  sshSrv,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	service core.Service
	httpSrv *httpapi.Server
	sshSrv  *sshserver.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"ssh", s.options.enableSSH,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_url", s.cfg.HTTP.BaseURL,
		"http_base_path", s.cfg.HTTP.BasePath,
		"ssh_addr", s.cfg.SSH.Addr,
	)
	if s.options.enableHTTP && s.httpSrv != nil {
		s.httpSrv.SetBaseContext(s.ctx)
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.options.enableSSH && s.sshSrv != nil {
		go func() {
			if err := s.sshSrv.ListenAndServe(s.ctx); err != nil {
				log.Error("ssh server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if s.service != nil {
		if err := s.service.Shutdown(context.Background()); err != nil {
			log.Warn("server core shutdown failed", "err", err)
		} else {
			log.Info("server core shutdown ok")
		}
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}

func toSeedUsers(users []SeedUser) []appconfig.SeedUser {
	if len(users) == 0 {
		return nil
	}
	out := make([]appconfig.SeedUser, 0, len(users))
	for _, user := range users {
		out = append(out, appconfig.SeedUser{
			Username:     user.Username,
			PasswordHash: user.PasswordHash,
			TOTPSecret:   user.TOTPSecret,
		})
	}
	return out
}
