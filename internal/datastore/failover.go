package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// FailoverSettings reads the administrative failover configuration.
func (s *Store) FailoverSettings(ctx context.Context) (Settings, error) {
	var (
		out      Settings
		disabled int
		master   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT disabled, master_node, timeout FROM system_failover WHERE id = 1",
	).Scan(&disabled, &master, &out.Timeout)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrNoFailoverRow
	}
	if err != nil {
		return Settings{}, fmt.Errorf("query failover settings: %w", err)
	}
	out.Disabled = disabled != 0
	out.MasterNode = ha.Node(master)
	return out, nil
}

// SaveFailoverSettings persists the failover configuration as one
// replicated write.
func (s *Store) SaveFailoverSettings(ctx context.Context, in Settings) error {
	return s.Exec(ctx,
		"UPDATE system_failover SET disabled = ?, master_node = ?, timeout = ? WHERE id = 1",
		boolInt(in.Disabled), string(in.MasterNode), in.Timeout,
	)
}

// FailoverDisabled reports whether failover is administratively disabled.
func (s *Store) FailoverDisabled(ctx context.Context) (bool, error) {
	st, err := s.FailoverSettings(ctx)
	if err != nil {
		return false, err
	}
	return st.Disabled, nil
}

// ConfiguredPools counts the pools known to the configuration.
func (s *Store) ConfiguredPools(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM storage_volume")
}

// VirtualInterfaces counts interfaces that carry a virtual address.
func (s *Store) VirtualInterfaces(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM network_interfaces WHERE int_vip != ''")
}

// CriticalInterfaces counts interfaces marked critical for failover.
func (s *Store) CriticalInterfaces(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM network_interfaces WHERE int_critical = 1")
}

func (s *Store) count(ctx context.Context, query string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Volumes lists configured pool names.
func (s *Store) Volumes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT vol_name FROM storage_volume ORDER BY vol_name")
	if err != nil {
		return nil, fmt.Errorf("query volumes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan volume: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// AddVolume records a pool in the configuration. Adding a known pool is a
// no-op that is not replicated.
func (s *Store) AddVolume(ctx context.Context, name string) error {
	known, err := s.Volumes(ctx)
	if err != nil {
		return err
	}
	for _, k := range known {
		if k == name {
			return nil
		}
	}
	return s.Exec(ctx, "INSERT OR IGNORE INTO storage_volume (vol_name) VALUES (?)", name)
}

// Interfaces lists the configured interfaces.
func (s *Store) Interfaces(ctx context.Context) ([]Interface, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT int_interface, int_critical, int_vip FROM network_interfaces ORDER BY int_interface")
	if err != nil {
		return nil, fmt.Errorf("query interfaces: %w", err)
	}
	defer rows.Close()

	var out []Interface
	for rows.Next() {
		var (
			in       Interface
			critical int
		)
		if err := rows.Scan(&in.Name, &critical, &in.VIP); err != nil {
			return nil, fmt.Errorf("scan interface: %w", err)
		}
		in.Critical = critical != 0
		out = append(out, in)
	}
	return out, rows.Err()
}

// CriticalInterfaceNames lists interfaces marked critical, in name order.
func (s *Store) CriticalInterfaceNames(ctx context.Context) ([]string, error) {
	all, err := s.Interfaces(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, in := range all {
		if in.Critical {
			out = append(out, in.Name)
		}
	}
	return out, nil
}

// UpsertInterface records an interface. Unchanged rows are not rewritten.
func (s *Store) UpsertInterface(ctx context.Context, in Interface) error {
	all, err := s.Interfaces(ctx)
	if err != nil {
		return err
	}
	for _, cur := range all {
		if cur == in {
			return nil
		}
	}
	return s.Exec(ctx,
		`INSERT INTO network_interfaces (int_interface, int_critical, int_vip) VALUES (?, ?, ?)
		 ON CONFLICT(int_interface) DO UPDATE SET int_critical = excluded.int_critical, int_vip = excluded.int_vip`,
		in.Name, boolInt(in.Critical), in.VIP,
	)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
