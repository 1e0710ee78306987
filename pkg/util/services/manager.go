package services

import (
	"context"
	"errors"
	"sync"
)

var errManagerEmpty = errors.New("no services")

// ManagerListener listens for events from Manager.
type ManagerListener interface {
	// Healthy is called when the manager transitions to the healthy state, which
	// happens when all services are in Running state.
	Healthy()

	// Stopped is called when the manager transitions to the stopped state, which
	// happens when all services have reached a terminal state (Terminated or Failed).
	Stopped()

	// Failure is called if any service fails.
	Failure(service Service)
}

// Manager starts and tracks state of a set of services. It is not a Service itself,
// but it reaches a "healthy" state when all services are Running, and a "stopped"
// state when all services reached their terminal state.
type Manager struct {
	services []Service

	mu           sync.Mutex
	states       map[Service]State
	healthy      bool
	byState      map[State][]Service
	healthyCh    chan struct{} // closed when healthy state is reached (at least once)
	stoppedCh    chan struct{} // closed when all services are in their terminal states
	healthyFired bool
	stoppedFired bool

	listeners []chan func(l ManagerListener)
}

// NewManager creates new service manager. It needs at least one service, and all
// services must be in New state.
func NewManager(services ...Service) (*Manager, error) {
	if len(services) == 0 {
		return nil, errManagerEmpty
	}

	m := &Manager{
		services:  services,
		states:    make(map[Service]State, len(services)),
		byState:   map[State][]Service{},
		healthyCh: make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	for _, s := range services {
		if s.State() != New {
			return nil, errors.New("unable to start any of the services: not all services are in New state")
		}

		m.states[s] = New
		m.byState[New] = append(m.byState[New], s)

		s.AddListener(newManagerServiceListener(m, s))
	}

	return m, nil
}

// StartAsync initiates service startup on all the services being managed.
// It is only valid to call this method if all of the services are New.
func (m *Manager) StartAsync(ctx context.Context) error {
	for _, s := range m.services {
		err := s.StartAsync(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

// StopAsync initiates service shutdown if necessary on all the services being managed.
func (m *Manager) StopAsync() {
	for _, s := range m.services {
		s.StopAsync()
	}
}

// IsHealthy returns true if all services are currently in the Running state.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.healthy
}

// IsStopped returns true if all the services are in a terminal state.
func (m *Manager) IsStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.allStopped()
}

// Must be called with lock held.
func (m *Manager) allStopped() bool {
	return len(m.byState[Terminated])+len(m.byState[Failed]) == len(m.services)
}

// AwaitHealthy waits for the manager to become healthy. Returns nil, if manager
// is healthy, error otherwise (eg. manager is in a state in which it cannot get
// healthy anymore).
func (m *Manager) AwaitHealthy(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.healthyCh:
		// Continue, but verify that manager is actually healthy (services could have
		// changed states in the meantime).
	}

	if !m.IsHealthy() {
		return errors.New("not healthy, 0 or more services are not running")
	}

	return nil
}

// AwaitStopped waits for the manager to reach the stopped state. Returns nil when
// all services are in their terminal states.
func (m *Manager) AwaitStopped(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stoppedCh:
		return nil
	}
}

// ServicesByState provides a consistent snapshot of the current service states,
// indexed by their state.
func (m *Manager) ServicesByState() map[State][]Service {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := map[State][]Service{}
	for st, ss := range m.byState {
		if len(ss) == 0 {
			continue
		}
		result[st] = append([]Service(nil), ss...)
	}

	return result
}

// AddListener registers a ManagerListener to be run when this Manager changes
// state. Each listener runs in its own goroutine, and receives events in order.
func (m *Manager) AddListener(listener ManagerListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allStopped() {
		// No more notifications.
		return
	}

	// There are max 3 notifications. Buffer to avoid blocking the sender, which
	// holds the manager lock.
	ch := make(chan func(l ManagerListener), 3)
	m.listeners = append(m.listeners, ch)

	go func() {
		for lfn := range ch {
			lfn(listener)
		}
	}()
}

// Must be called with lock held.
func (m *Manager) notifyListeners(lfn func(l ManagerListener), closeChan bool) {
	for _, ch := range m.listeners {
		ch <- lfn
		if closeChan {
			close(ch)
		}
	}
}

// Called by the per-service listener on every service state transition.
func (m *Manager) serviceStateChanged(s Service, from, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.byState[from]
	for ix, ss := range prev {
		if ss == s {
			m.byState[from] = append(prev[:ix], prev[ix+1:]...)
			break
		}
	}

	m.states[s] = to
	m.byState[to] = append(m.byState[to], s)

	if to == Failed {
		m.notifyListeners(func(l ManagerListener) { l.Failure(s) }, false)
	}

	if !m.healthyFired && len(m.byState[Running]) == len(m.services) {
		m.healthy = true
		m.healthyFired = true
		close(m.healthyCh)
		m.notifyListeners(func(l ManagerListener) { l.Healthy() }, false)
	} else if m.healthy && len(m.byState[Running]) != len(m.services) {
		m.healthy = false
	}

	if !m.stoppedFired && m.allStopped() {
		m.stoppedFired = true

		// Unblock AwaitHealthy callers: the manager can never become healthy now.
		if !m.healthyFired {
			m.healthyFired = true
			close(m.healthyCh)
		}

		close(m.stoppedCh)
		m.notifyListeners(func(l ManagerListener) { l.Stopped() }, true)
	}
}

type managerServiceListener struct {
	m *Manager
	s Service
}

func newManagerServiceListener(m *Manager, s Service) *managerServiceListener {
	return &managerServiceListener{m: m, s: s}
}

func (l managerServiceListener) Starting() {
	l.m.serviceStateChanged(l.s, New, Starting)
}

func (l managerServiceListener) Running() {
	l.m.serviceStateChanged(l.s, Starting, Running)
}

func (l managerServiceListener) Stopping(from State) {
	l.m.serviceStateChanged(l.s, from, Stopping)
}

func (l managerServiceListener) Terminated(from State) {
	l.m.serviceStateChanged(l.s, from, Terminated)
}

func (l managerServiceListener) Failed(from State, _ error) {
	l.m.serviceStateChanged(l.s, from, Failed)
}

// NewManagerListener provides a simple way to build manager listener from supplied functions.
func NewManagerListener(healthy, stopped func(), failure func(service Service)) ManagerListener {
	return &funcBasedManagerListener{
		healthy: healthy,
		stopped: stopped,
		failure: failure,
	}
}

type funcBasedManagerListener struct {
	healthy func()
	stopped func()
	failure func(service Service)
}

func (l *funcBasedManagerListener) Healthy() {
	if l.healthy != nil {
		l.healthy()
	}
}

func (l *funcBasedManagerListener) Stopped() {
	if l.stopped != nil {
		l.stopped()
	}
}

func (l funcBasedManagerListener) Failure(service Service) {
	if l.failure != nil {
		l.failure(service)
	}
}

// StartManagerAndAwaitHealthy starts the manager, and then waits until it reaches
// the healthy state. If any service fails before that, an error is returned.
func StartManagerAndAwaitHealthy(ctx context.Context, manager *Manager) error {
	err := manager.StartAsync(ctx)
	if err != nil {
		return err
	}

	return manager.AwaitHealthy(ctx)
}

// StopManagerAndAwaitStopped stops the manager, and waits until all services have
// reached their terminal states.
func StopManagerAndAwaitStopped(ctx context.Context, manager *Manager) error {
	manager.StopAsync()
	return manager.AwaitStopped(ctx)
}
