// Package natsutil builds the NATS connections used by the failover daemon
// and the administrative CLI.
package natsutil

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// Connection roles.
const (
	RoleDaemon = "daemon"
	RoleAdmin  = "admin"
)

// Defaults for daemon connections. The ping settings bound how long a dead
// server goes unnoticed to PingInterval * MaxPingsOut.
const (
	DefaultReconnectWait = time.Second
	DefaultPingInterval  = 2 * time.Second
	DefaultMaxPingsOut   = 3
)

// ErrNoServers is returned when no server URL is configured.
var ErrNoServers = errors.New("no NATS servers configured")

// ConnectOptions configures a controller's NATS connection.
type ConnectOptions struct {
	URLs        []string
	Credentials string
	ClusterID   string
	Node        ha.Node
	// Role is RoleDaemon or RoleAdmin. Admin connections never reconnect.
	Role   string
	Logger *slog.Logger

	ReconnectWait time.Duration
	PingInterval  time.Duration

	// OnReconnect and OnDisconnect run on the NATS callback goroutine.
	OnReconnect  func(nc *nats.Conn)
	OnDisconnect func(nc *nats.Conn, err error)
}

// ClientName is the connection name reported to the server, visible in
// connz as failover-<role>-<cluster>-<node>.
func ClientName(clusterID string, node ha.Node, role string) string {
	return fmt.Sprintf("failover-%s-%s-%s", role, clusterID, node)
}

func (o ConnectOptions) options(logger *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(ClientName(o.ClusterID, o.Node, o.Role)),
		nats.DontRandomize(),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				logger.Error("NATS async error", "subject", sub.Subject, "error", err)
				return
			}
			logger.Error("NATS async error", "error", err)
		}),
	}
	if o.Credentials != "" {
		opts = append(opts, nats.UserCredentials(o.Credentials))
	}

	if o.Role == RoleAdmin {
		return append(opts, nats.NoReconnect())
	}

	wait := o.ReconnectWait
	if wait <= 0 {
		wait = DefaultReconnectWait
	}
	ping := o.PingInterval
	if ping <= 0 {
		ping = DefaultPingInterval
	}
	return append(opts,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.PingInterval(ping),
		nats.MaxPingsOutstanding(DefaultMaxPingsOut),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			if o.OnReconnect != nil {
				o.OnReconnect(nc)
			}
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected, peer link down", "error", err)
			} else {
				logger.Debug("NATS disconnected")
			}
			if o.OnDisconnect != nil {
				o.OnDisconnect(nc, err)
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
}

// Connect dials NATS. Daemon connections reconnect forever.
func Connect(o ConnectOptions) (*nats.Conn, error) {
	if len(o.URLs) == 0 {
		return nil, ErrNoServers
	}
	if o.Role == "" {
		o.Role = RoleDaemon
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats", "role", o.Role)

	nc, err := nats.Connect(strings.Join(o.URLs, ","), o.options(logger)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Info("NATS connected", "url", nc.ConnectedUrl(), "server_id", nc.ConnectedServerId())
	return nc, nil
}
