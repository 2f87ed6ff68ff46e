// Package connmgr implements the connection manager (C3): a
// dual-transport (Wi-Fi / LTE) availability tracker with debounced
// failover. It is a direct port of the original firmware's
// conn_mgr actor (embassy Channel/Timer primitives mapped onto Go
// channels and time.After), per SPEC_FULL.md §4.3.
package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Event is a connectivity notification fed into the manager.
type Event int

const (
	WiFiConnected Event = iota
	WiFiDisconnected
	LteConnected
	LteDisconnected
	LteRegistered
	LteUnregistered
)

func (e Event) String() string {
	switch e {
	case WiFiConnected:
		return "WiFiConnected"
	case WiFiDisconnected:
		return "WiFiDisconnected"
	case LteConnected:
		return "LteConnected"
	case LteDisconnected:
		return "LteDisconnected"
	case LteRegistered:
		return "LteRegistered"
	case LteUnregistered:
		return "LteUnregistered"
	default:
		return "Unknown"
	}
}

// Active identifies which transport is currently selected.
type Active int

const (
	None Active = iota
	WiFi
	Lte
	Switching
)

func (a Active) String() string {
	switch a {
	case None:
		return "None"
	case WiFi:
		return "WiFi"
	case Lte:
		return "Lte"
	case Switching:
		return "Switching"
	default:
		return "Unknown"
	}
}

// Status is the full published connection state.
type Status struct {
	Active        Active
	WiFiAvailable bool
	LteAvailable  bool
	LastSwitch    time.Time
	SwitchCount   uint32
}

const (
	switchDebounceTime  = 10 * time.Second
	healthCheckInterval = 5 * time.Second
	switchQuietWindow   = 100 * time.Millisecond
)

// Manager runs the connection-manager actor loop. Construct with New,
// then call Run in its own goroutine.
type Manager struct {
	log *slog.Logger

	events  chan Event
	switchq chan Active

	status      chan Status
	activeOnly  chan Active

	// WiFiHealthy / LteHealthy are polled by the health monitors every
	// healthCheckInterval; nil means "always healthy" (monitor disabled).
	WiFiHealthy func() bool
	LteHealthy  func() bool
}

// New constructs a Manager with the bounded channel capacities specified
// in spec.md §4.3 (events: 16, status/active: 4).
func New() *Manager {
	return &Manager{
		events:     make(chan Event, 16),
		switchq:    make(chan Active, 4),
		status:     make(chan Status, 4),
		activeOnly: make(chan Active, 4),
	}
}

// SetLogger attaches a structured logger; nil disables logging.
func (m *Manager) SetLogger(l *slog.Logger) { m.log = l }

// Events returns the channel used to feed connectivity events in.
func (m *Manager) Events() chan<- Event { return m.events }

// RequestSwitch asks the manager to manually switch to target; it is
// honored only if target is currently available.
func (m *Manager) RequestSwitch(target Active) {
	trySend(m.switchq, target)
}

// StatusChan broadcasts the full Status after every change.
func (m *Manager) StatusChan() <-chan Status { return m.status }

// ActiveChan broadcasts the bare Active value after every change.
func (m *Manager) ActiveChan() <-chan Active { return m.activeOnly }

// Run drives the actor loop until ctx is canceled. It also starts the
// two health-monitor goroutines described in SPEC_FULL.md (Wi-Fi and LTE
// pollers that synthesize Disconnected events).
func (m *Manager) Run(ctx context.Context) {
	go m.healthMonitor(ctx, func() bool {
		if m.WiFiHealthy == nil {
			return true
		}
		return m.WiFiHealthy()
	}, WiFiDisconnected)
	go m.healthMonitor(ctx, func() bool {
		if m.LteHealthy == nil {
			return true
		}
		return m.LteHealthy()
	}, LteDisconnected)

	status := Status{Active: None}
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.logf("received event: %s", ev)
			status = m.applyEvent(ctx, status, ev)
			trySend(m.status, status)
			trySend(m.activeOnly, status.Active)
		case target := <-m.switchq:
			if canSwitchTo(status, target) {
				status = m.performSwitch(ctx, status, target)
				trySend(m.status, status)
				trySend(m.activeOnly, status.Active)
			} else {
				m.logf("cannot switch to %s: not available", target)
			}
		case <-ticker.C:
			// Periodic wake matching the original's select-on-timer
			// branch; no state change of its own.
		}
	}
}

func (m *Manager) applyEvent(ctx context.Context, status Status, ev Event) Status {
	switch ev {
	case WiFiConnected:
		status.WiFiAvailable = true
		if shouldPreferWiFiAt(status, time.Now()) {
			status = m.performSwitch(ctx, status, WiFi)
		}
	case WiFiDisconnected:
		status.WiFiAvailable = false
		if status.Active == WiFi {
			if status.LteAvailable {
				status = m.performSwitch(ctx, status, Lte)
			} else {
				status.Active = None
			}
		}
	case LteConnected, LteRegistered:
		status.LteAvailable = true
		if status.Active == None && !status.WiFiAvailable {
			status = m.performSwitch(ctx, status, Lte)
		}
	case LteDisconnected, LteUnregistered:
		status.LteAvailable = false
		if status.Active == Lte {
			if status.WiFiAvailable {
				status = m.performSwitch(ctx, status, WiFi)
			} else {
				status.Active = None
			}
		}
	}
	return status
}

func canSwitchTo(status Status, target Active) bool {
	switch target {
	case WiFi:
		return status.WiFiAvailable
	case Lte:
		return status.LteAvailable
	case None:
		return true
	default:
		return false
	}
}

// performSwitch enters the Switching quiet window, then commits target.
func (m *Manager) performSwitch(ctx context.Context, status Status, target Active) Status {
	if status.Active == target {
		return status
	}
	previous := status.Active
	m.logf("switching from %s to %s", previous, target)

	status.Active = Switching
	select {
	case <-ctx.Done():
		return status
	case <-time.After(switchQuietWindow):
	}

	status = commitSwitch(status, target, time.Now())
	m.logf("switched to %s (switch #%d) from %s", target, status.SwitchCount, previous)
	return status
}

func (m *Manager) healthMonitor(ctx context.Context, healthy func() bool, onUnhealthy Event) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthy() {
				trySend(m.events, onUnhealthy)
			}
		}
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.log == nil {
		return
	}
	m.log.Debug("connmgr: " + fmt.Sprintf(format, args...))
}

func trySend[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}
