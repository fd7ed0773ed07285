package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// Handler answers the requests of the other controller and of the CLI.
type Handler interface {
	SystemReady(ctx context.Context) (bool, error)
	Licensed(ctx context.Context) (bool, error)
	Pools(ctx context.Context) ([]ha.Pool, error)
	ApplyStatement(ctx context.Context, stmt ha.Statement) error
	InstallKeys(ctx context.Context, bundle ha.KeyBundle) error
	InstallKMIPKeys(ctx context.Context, keys map[string]string) error
	VIPStates(ctx context.Context) (map[string]ha.VIPState, error)
	Disks(ctx context.Context) ([]ha.Disk, error)
	ForceMaster(ctx context.Context) (bool, error)
	ReceiveDatabase(ctx context.Context, object string) error
	RestartService(ctx context.Context) error

	Report(ctx context.Context) (StatusReport, error)
	Reasons(ctx context.Context) ([]ha.Reason, error)
	Control(ctx context.Context, req ControlRequest) (bool, error)
	Unlock(ctx context.Context, req UnlockRequest) (bool, error)
	Update(ctx context.Context, req UpdateRequest) (Settings, error)
	UpdateKeys(ctx context.Context, req KeysRequest) error
	RemoveKeys(ctx context.Context, req KeysRequest) error
	SyncToPeer(ctx context.Context) error
}

// ServerConfig configures the micro service of one controller.
type ServerConfig struct {
	ClusterID string
	Node      ha.Node
	Version   string
	// RequestTimeout bounds each handler invocation.
	RequestTimeout time.Duration
}

// Server exposes a Handler as a NATS micro service.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *slog.Logger

	mu  sync.Mutex
	nc  *nats.Conn
	svc micro.Service
}

// NewServer creates a server. Start registers it on nc.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.ClusterID == "" {
		return nil, fmt.Errorf("clusterID is required")
	}
	if !cfg.Node.Valid() {
		return nil, fmt.Errorf("invalid node %q", cfg.Node)
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}

	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default().With("component", "peer-server", "node", string(cfg.Node), "cluster", cfg.ClusterID),
	}, nil
}

// Start registers the micro service and all endpoints.
func (s *Server) Start(nc *nats.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.svc != nil {
		return fmt.Errorf("server already started")
	}

	svc, err := micro.AddService(nc, micro.Config{
		Name:        ServiceName(s.cfg.ClusterID, s.cfg.Node),
		Version:     s.cfg.Version,
		Description: fmt.Sprintf("Failover controller %s in cluster %s", s.cfg.Node, s.cfg.ClusterID),
		Metadata: map[string]string{
			"cluster_id": s.cfg.ClusterID,
			"node":       string(s.cfg.Node),
		},
	})
	if err != nil {
		return fmt.Errorf("create micro service: %w", err)
	}

	h := s.handler
	endpoints := map[string]micro.HandlerFunc{
		OpPing:            s.noBody(ping),
		OpSystemReady:     s.noBody(wrapBool(h.SystemReady)),
		OpLicensed:        s.noBody(wrapBool(h.Licensed)),
		OpPools:           s.noBody(result(h.Pools)),
		OpApplyStatement:  withBody(s, noResult(h.ApplyStatement)),
		OpKeys:            withBody(s, noResult(h.InstallKeys)),
		OpKMIPKeys:        withBody(s, noResult(h.InstallKMIPKeys)),
		OpVIPStates:       s.noBody(result(h.VIPStates)),
		OpDisks:           s.noBody(result(h.Disks)),
		OpForceMaster:     s.noBody(wrapBool(h.ForceMaster)),
		OpReceiveDatabase: withBody(s, s.receiveDatabase),
		OpRestartService:  s.noBody(done(h.RestartService)),
		OpStatus:          s.noBody(result(h.Report)),
		OpReasons:         s.noBody(result(h.Reasons)),
		OpControl:         withBody(s, boolResult(h.Control)),
		OpUnlock:          withBody(s, boolResult(h.Unlock)),
		OpUpdate:          withBody(s, resultWith(h.Update)),
		OpKeysUpdate:      withBody(s, noResult(h.UpdateKeys)),
		OpKeysRemove:      withBody(s, noResult(h.RemoveKeys)),
		OpSyncToPeer:      s.noBody(done(h.SyncToPeer)),
	}

	base := SubjectBase(s.cfg.ClusterID, s.cfg.Node)
	for name, fn := range endpoints {
		if err := svc.AddEndpoint(name, fn, micro.WithEndpointSubject(base+"."+name)); err != nil {
			_ = svc.Stop()
			return fmt.Errorf("add %s endpoint: %w", name, err)
		}
	}

	s.nc = nc
	s.svc = svc
	s.logger.Info("peer service started", "subject_base", base, "endpoints", len(endpoints))
	return nil
}

// Stop deregisters the service. The connection is left open.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.svc == nil {
		return nil
	}
	err := s.svc.Stop()
	s.svc = nil
	s.nc = nil
	s.logger.Info("peer service stopped")
	if err != nil {
		return fmt.Errorf("stop micro service: %w", err)
	}
	return nil
}

// Running reports whether the service is registered and connected.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svc != nil && s.nc != nil && s.nc.IsConnected()
}

func ping(context.Context) (any, error) {
	return nil, nil
}

func (s *Server) receiveDatabase(ctx context.Context, r DatabaseRequest) (any, error) {
	return nil, s.handler.ReceiveDatabase(ctx, r.Object)
}

// Adapters from Handler method shapes to endpoint functions.

func result[R any](fn func(context.Context) (R, error)) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		return fn(ctx)
	}
}

func resultWith[T, R any](fn func(context.Context, T) (R, error)) func(context.Context, T) (any, error) {
	return func(ctx context.Context, req T) (any, error) {
		return fn(ctx, req)
	}
}

func done(fn func(context.Context) error) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}
}

func noResult[T any](fn func(context.Context, T) error) func(context.Context, T) (any, error) {
	return func(ctx context.Context, req T) (any, error) {
		return nil, fn(ctx, req)
	}
}

func boolResult[T any](fn func(context.Context, T) (bool, error)) func(context.Context, T) (any, error) {
	return func(ctx context.Context, req T) (any, error) {
		return boolOf(fn(ctx, req))
	}
}

func wrapBool(fn func(context.Context) (bool, error)) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		return boolOf(fn(ctx))
	}
}

func boolOf(v bool, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return boolResponse{Value: v}, nil
}

func (s *Server) noBody(fn func(context.Context) (any, error)) micro.HandlerFunc {
	return func(req micro.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		resp, err := fn(ctx)
		s.respond(req, resp, err)
	}
}

func withBody[T any](s *Server, fn func(context.Context, T) (any, error)) micro.HandlerFunc {
	return func(req micro.Request) {
		var body T
		if err := json.Unmarshal(req.Data(), &body); err != nil {
			_ = req.Error("400", "invalid request: "+err.Error(), nil)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		resp, err := fn(ctx, body)
		s.respond(req, resp, err)
	}
}

func (s *Server) respond(req micro.Request, resp any, err error) {
	if err != nil {
		s.logger.Warn("request failed", "subject", req.Subject(), "error", err)
		_ = req.Error("500", err.Error(), nil)
		return
	}
	if resp == nil {
		_ = req.Respond(nil)
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", "subject", req.Subject(), "error", err)
		_ = req.Error("500", "internal error", nil)
		return
	}
	_ = req.Respond(data)
}
