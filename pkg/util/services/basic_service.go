package services

import (
	"context"
	"sync"
)

// StartingFn is called when service enters Starting state. If it returns error,
// service goes into Failed state. If it returns without error, service transitions
// into Running state (unless service context has been canceled in the meantime, in
// which case it goes to Stopping).
//
// serviceContext is canceled at latest when the service enters Stopping state, and
// earlier when StopAsync is called on the service.
type StartingFn func(serviceContext context.Context) error

// RunningFn is called when service enters Running state. When it returns, service
// moves to Stopping state. If RunningFn or StoppingFn return error, service ends in
// Failed state instead of Terminated.
type RunningFn func(serviceContext context.Context) error

// StoppingFn is called when service enters Stopping state. When it returns, service
// moves to Terminated or Failed state, depending on whether there was any error
// returned from RunningFn or this function. failureCase is the error returned by
// RunningFn, or nil.
type StoppingFn func(failureCase error) error

// BasicService implements the Service interface using three supplied functions:
// StartingFn, RunningFn and StoppingFn. Each function is called at most once, and
// nil functions simply move the service to the next state without doing anything.
//
// BasicService is designed to be embedded, with the embedding struct supplying the
// functions to NewBasicService (typically via an init method, since the functions
// usually need access to the embedding struct's fields).
type BasicService struct {
	// These functions are only called if not nil.
	startFn    StartingFn
	runningFn  RunningFn
	stoppingFn StoppingFn

	// Used as prefix of log and error messages.
	serviceName string

	stateMu     sync.RWMutex
	state       State
	failureCase error
	listeners   *serviceListeners

	serviceContext context.Context
	serviceCancel  context.CancelFunc

	// closed when service reaches Running, Terminated or Failed state
	runningWaitersCh chan struct{}
	// closed when service reaches Terminated or Failed state
	terminatedWaitersCh chan struct{}
}

var _ NamedService = &BasicService{}

// NewBasicService returns service built from three functions (using BasicService).
func NewBasicService(start StartingFn, run RunningFn, stop StoppingFn) *BasicService {
	return &BasicService{
		startFn:             start,
		runningFn:           run,
		stoppingFn:          stop,
		state:               New,
		listeners:           newServiceListeners(),
		runningWaitersCh:    make(chan struct{}),
		terminatedWaitersCh: make(chan struct{}),
	}
}

// WithName sets service name, and returns service to allow usage like
// NewBasicService(...).WithName("service name"). Service name is only used
// in errors and for DescribeService. Not safe to call concurrently with
// other service methods.
func (b *BasicService) WithName(name string) *BasicService {
	b.serviceName = name
	return b
}

// ServiceName implements NamedService.
func (b *BasicService) ServiceName() string {
	return b.serviceName
}

// StartAsync implements Service.
func (b *BasicService) StartAsync(parentContext context.Context) error {
	switched, oldState := b.switchState(New, Starting, func() {
		b.serviceContext, b.serviceCancel = context.WithCancel(parentContext)
		b.notifyListeners(func(l Listener) { l.Starting() }, false)
		go b.main()
	})

	if !switched {
		return invalidServiceStateError(oldState, New)
	}
	return nil
}

// Returns true if state switch succeeds, false if it fails. Returned state is the
// state before the switch. stateFn runs with lock held, so it can safely modify
// other service fields.
func (b *BasicService) switchState(from, to State, stateFn func()) (bool, State) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.state != from {
		return false, b.state
	}
	b.state = to
	if stateFn != nil {
		stateFn()
	}
	return true, from
}

func (b *BasicService) mustSwitchState(from, to State, stateFn func()) {
	if ok, _ := b.switchState(from, to, stateFn); !ok {
		panic("switchState failed")
	}
}

// This is the "main" method of the service, and runs entire lifecycle of the
// service in a dedicated goroutine. Service is in Starting state when this
// method starts.
func (b *BasicService) main() {
	var err error
	if b.startFn != nil {
		err = b.startFn(b.serviceContext)
	}

	if err != nil {
		// Starting failed, no other function is called.
		b.mustSwitchState(Starting, Failed, func() {
			b.failureCase = err
			b.serviceCancel()

			// Starting never finished, so we also need to unblock AwaitRunning waiters.
			close(b.runningWaitersCh)
			close(b.terminatedWaitersCh)
			b.notifyListeners(func(l Listener) { l.Failed(Starting, err) }, true)
		})
		return
	}

	if b.serviceContext.Err() != nil {
		// StopAsync was called, or parent context finished, while starting.
		// Skip Running entirely.
		b.mustSwitchState(Starting, Stopping, func() {
			close(b.runningWaitersCh)
			b.notifyListeners(func(l Listener) { l.Stopping(Starting) }, false)
		})
	} else {
		b.mustSwitchState(Starting, Running, func() {
			close(b.runningWaitersCh)
			b.notifyListeners(func(l Listener) { l.Running() }, false)
		})

		if b.runningFn != nil {
			err = b.runningFn(b.serviceContext)
		}

		b.mustSwitchState(Running, Stopping, func() {
			b.serviceCancel()
			b.notifyListeners(func(l Listener) { l.Stopping(Running) }, false)
		})
	}

	var stopErr error
	if b.stoppingFn != nil {
		stopErr = b.stoppingFn(err)
	}

	failure := err
	if failure == nil {
		failure = stopErr
	}

	if failure != nil {
		b.mustSwitchState(Stopping, Failed, func() {
			b.failureCase = failure
			close(b.terminatedWaitersCh)
			b.notifyListeners(func(l Listener) { l.Failed(Stopping, failure) }, true)
		})
		return
	}

	b.mustSwitchState(Stopping, Terminated, func() {
		close(b.terminatedWaitersCh)
		b.notifyListeners(func(l Listener) { l.Terminated(Stopping) }, true)
	})
}

// StopAsync implements Service.
func (b *BasicService) StopAsync() {
	if s := b.State(); s == Stopping || s == Terminated || s == Failed {
		// Cannot be stopped, or already stopped.
		return
	}

	terminated, _ := b.switchState(New, Terminated, func() {
		// Service wasn't started yet, and it won't be now. Notify waiters and listeners.
		close(b.runningWaitersCh)
		close(b.terminatedWaitersCh)
		b.notifyListeners(func(l Listener) { l.Terminated(New) }, true)
	})

	if !terminated {
		// Service is Starting or Running. Just cancel the context (it exists, since
		// it is created when switching from New to Starting). main() does the rest.
		b.serviceCancel()
	}
}

// ServiceContext returns context that this service uses internally for controlling
// its lifecycle. It is the same context that is passed to Starting and Running
// functions, and is based on context passed to StartAsync.
//
// Before service enters Starting state, there is no context. This context is
// stopped when service enters Stopping state.
//
// This can be useful in code, that embeds BasicService and wants to provide
// additional methods to its clients, e.g. a registration that is only valid
// while the service runs.
func (b *BasicService) ServiceContext() context.Context {
	s := b.State()
	if s == New {
		return nil
	}

	b.stateMu.RLock()
	defer b.stateMu.RUnlock()

	return b.serviceContext
}

// AwaitRunning implements Service.
func (b *BasicService) AwaitRunning(ctx context.Context) error {
	return b.awaitState(ctx, Running, b.runningWaitersCh)
}

// AwaitTerminated implements Service.
func (b *BasicService) AwaitTerminated(ctx context.Context) error {
	return b.awaitState(ctx, Terminated, b.terminatedWaitersCh)
}

func (b *BasicService) awaitState(ctx context.Context, expectedState State, ch chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		s := b.State()
		if s == expectedState {
			return nil
		}

		// Service is in a different state. If it failed, return the failure as well.
		if failure := b.FailureCase(); failure != nil {
			return invalidServiceStateWithFailureError(s, expectedState, failure)
		}
		return invalidServiceStateError(s, expectedState)
	}
}

// FailureCase implements Service.
func (b *BasicService) FailureCase() error {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()

	return b.failureCase
}

// State implements Service.
func (b *BasicService) State() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()

	return b.state
}

// AddListener implements Service.
func (b *BasicService) AddListener(listener Listener) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.state == Terminated || b.state == Failed {
		// No more state transitions will be done, and channel will not be closed.
		return
	}

	b.listeners.add(listener)
}

// Notifies all listeners. Only called with the state lock held.
func (b *BasicService) notifyListeners(lfn func(l Listener), closeChan bool) {
	b.listeners.notify(lfn, closeChan)
}
