package vip

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// ErrUnknownInterface is returned for an interface that carries no VIP.
var ErrUnknownInterface = errors.New("no VIP configured on interface")

// Set is every VIP of a controller, keyed by interface.
type Set struct {
	managers map[string][]*Manager
	order    []string
}

// NewSet validates cfgs and builds one manager per VIP.
func NewSet(cfgs []Config, executor Executor) (*Set, error) {
	s := &Set{managers: make(map[string][]*Manager)}
	for i, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("vip %d: %w", i, err)
		}
		if _, ok := s.managers[c.Interface]; !ok {
			s.order = append(s.order, c.Interface)
		}
		s.managers[c.Interface] = append(s.managers[c.Interface], NewManager(c, executor))
	}
	sort.Strings(s.order)
	return s, nil
}

// Interfaces lists the interfaces carrying a VIP, in name order.
func (s *Set) Interfaces() []string {
	return append([]string(nil), s.order...)
}

// Configs returns the VIP configuration of every manager.
func (s *Set) Configs() []Config {
	var out []Config
	for _, iface := range s.order {
		for _, m := range s.managers[iface] {
			out = append(out, m.Config())
		}
	}
	return out
}

// CriticalInterfaces lists interfaces with at least one critical VIP.
func (s *Set) CriticalInterfaces() []string {
	var out []string
	for _, iface := range s.order {
		for _, m := range s.managers[iface] {
			if m.Config().Critical {
				out = append(out, iface)
				break
			}
		}
	}
	return out
}

// States reports one state per interface. An interface is MASTER only when
// it holds all of its addresses.
func (s *Set) States(ctx context.Context) map[string]ha.VIPState {
	out := make(map[string]ha.VIPState, len(s.order))
	for _, iface := range s.order {
		state := ha.VIPMaster
		for _, m := range s.managers[iface] {
			st := m.State(ctx)
			if st != ha.VIPMaster {
				state = st
				break
			}
		}
		out[iface] = state
	}
	return out
}

// AcquireInterface takes over every VIP on iface.
func (s *Set) AcquireInterface(ctx context.Context, iface string) error {
	ms, ok := s.managers[iface]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, iface)
	}
	var errs []error
	for _, m := range ms {
		if err := m.Acquire(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseAll gives up every VIP.
func (s *Set) ReleaseAll(ctx context.Context) error {
	var errs []error
	for _, iface := range s.order {
		for _, m := range s.managers[iface] {
			if err := m.Release(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
