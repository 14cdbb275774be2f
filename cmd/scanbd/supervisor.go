package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/spf13/afero"

	"github.com/scanbd/scanbd-go/internal/metrics"
)

var (
	// errDeviceLookupFailed occurs when an external trigger names a device
	// that isn't currently being monitored.
	errDeviceLookupFailed = errors.New("device lookup failed")

	// errInvalidArgument occurs whenever a given argument is invalid or missing.
	errInvalidArgument = errors.New("invalid argument")

	// errInvalidJSON occurs whenever data that is expected as JSON is invalid.
	errInvalidJSON = errors.New("invalid JSON")

	// errNoDevices occurs when no devices are currently enumerable for monitoring.
	errNoDevices = errors.New("no devices to monitor")
)

// Supervisor is the Supervisor (spec.md §4.4). It owns the map of running
// Pollers and enforces the two-level lock order: its own globalMu ("global_lock")
// is always acquired (and released) before touching any individual Poller's
// local_lock, never the other way around.
type Supervisor struct {
	globalMu sync.Mutex
	pollers  map[string]*Poller

	adapter DeviceAdapter
	bus     Bus
	metrics *metrics.Registry
	fsys    afero.Fs
	logger  *log.Logger

	cfg ConfigYAML

	uid         int
	gid         int
	hasPrivDrop bool

	done chan struct{}
}

// NewSupervisor returns a pointer to a new [Supervisor].
func NewSupervisor(
	cfg ConfigYAML, adapter DeviceAdapter, bus Bus, metricsReg *metrics.Registry, fsys afero.Fs,
	uid, gid int, hasPrivDrop bool, logger *log.Logger,
) (*Supervisor, error) {
	if adapter == nil || bus == nil || metricsReg == nil || fsys == nil || logger == nil {
		return nil, fmt.Errorf("%w: required dependency is nil", errInvalidArgument)
	}

	return &Supervisor{
		pollers:     make(map[string]*Poller),
		adapter:     adapter,
		bus:         bus,
		metrics:     metricsReg,
		fsys:        fsys,
		logger:      logger,
		cfg:         cfg,
		uid:         uid,
		gid:         gid,
		hasPrivDrop: hasPrivDrop,
		done:        make(chan struct{}),
	}, nil
}

// StartAll enumerates the locally attached devices and starts one [Poller]
// per device. The context is both observed and respected for earlier
// termination of every started poller.
func (s *Supervisor) StartAll(ctx context.Context) error {
	identities, err := s.adapter.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	if len(identities) == 0 {
		return errNoDevices
	}

	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	done := make(chan struct{})
	s.done = done

	var wg sync.WaitGroup

	for _, identity := range identities {
		logger := log.New(s.logger.Writer(), identity.Name+": ", s.logger.Flags())

		poller, err := NewPoller(
			identity, s.adapter, s.cfg.Global, s.cfg.Devices,
			s.bus, s.metrics, s.fsys, s.uid, s.gid, s.hasPrivDrop, logger,
		)
		if err != nil {
			return fmt.Errorf("create poller for %q: %w", identity.Name, err)
		}

		s.pollers[identity.Name] = poller
		poller.Start(ctx)

		wg.Go(func() {
			defer recoverGoPanic("supervisor", s.logger)
			<-poller.Done()
		})
	}

	go func() {
		defer recoverGoPanic("supervisor-waiter", s.logger)
		wg.Wait()
		close(done)
	}()

	s.logger.Printf("started polling %d device(s)", len(identities))

	return nil
}

// StopAll signals every running poller to stop. It does not wait for them to
// finish; use [Supervisor.Done] for that.
func (s *Supervisor) StopAll() {
	s.globalMu.Lock()
	pollers := make([]*Poller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.pollers = make(map[string]*Poller)
	s.globalMu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
}

// Done returns a channel that is closed once every poller started by the
// most recent [Supervisor.StartAll] has stopped.
func (s *Supervisor) Done() <-chan struct{} {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	return s.done
}

// Reload is the Supervisor's response to a reload request (spec.md §4.4,
// §4.5): it stops every poller, waits for them to finish, then restarts
// polling against the provided, presumably freshly reparsed, configuration.
func (s *Supervisor) Reload(ctx context.Context, cfg ConfigYAML) error {
	s.logger.Println("reload: stopping all pollers")

	s.StopAll()
	<-s.Done()

	s.globalMu.Lock()
	s.cfg = cfg
	s.done = make(chan struct{})
	s.globalMu.Unlock()

	s.logger.Println("reload: restarting all pollers with refreshed configuration")

	return s.StartAll(ctx)
}

// FireExternalTrigger looks up the named device's poller and injects a
// trigger for the named action (spec.md §4.2). The device lookup is the only step
// performed under globalMu; the (possibly long) wait-and-dispatch happens
// after globalMu is released, so it never blocks other supervisor
// operations.
func (s *Supervisor) FireExternalTrigger(ctx context.Context, device, action string) error {
	s.globalMu.Lock()
	poller, ok := s.pollers[device]
	s.globalMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: device %q is not being monitored", errDeviceLookupFailed, device)
	}

	return poller.fireExternalTrigger(ctx, action)
}

// FireExternalTriggerByIndex is the (device_index, action_index) form of
// [Supervisor.FireExternalTrigger] named by spec.md §6's bus method; the
// daemon's exported FireTrigger bus method, which the `trigger` subcommand
// calls, goes through it. The
// device index is resolved against the adapter's current enumeration order;
// the action index is resolved against the order actions were compiled in
// for that device (spec.md §4.1's processing order).
func (s *Supervisor) FireExternalTriggerByIndex(ctx context.Context, deviceIndex, actionIndex int) error {
	identities, err := s.adapter.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	if deviceIndex < 0 || deviceIndex >= len(identities) {
		return fmt.Errorf("%w: device index %d out of range [0,%d)", errInvalidArgument, deviceIndex, len(identities))
	}

	deviceName := identities[deviceIndex].Name

	s.globalMu.Lock()
	poller, ok := s.pollers[deviceName]
	s.globalMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: device %q is not being monitored", errDeviceLookupFailed, deviceName)
	}

	actionTitle, err := poller.actionTitleAt(actionIndex)
	if err != nil {
		return err
	}

	return poller.fireExternalTrigger(ctx, actionTitle)
}
