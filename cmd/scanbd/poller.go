package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/scanbd/scanbd-go/internal/metrics"
)

// Poller is the Device Poller (spec.md §4.2). It owns one open [DeviceHandle],
// samples the options named by its compiled rules once per pass, and detects
// from/to transitions that fire a dispatch. An instance is scoped to exactly
// one locally attached device for its whole lifetime.
type Poller struct {
	identity DeviceIdentity
	adapter  DeviceAdapter
	bus      Bus
	metrics  *metrics.Registry
	logger   *log.Logger

	global         GlobalYAML
	deviceSections []DeviceYAML

	fsys      afero.Fs
	scriptDir string

	uid         int
	gid         int
	hasPrivDrop bool

	// localMu is the per-device "local_lock" (spec.md §5): it is always
	// acquired after the Supervisor's global_lock has already been
	// released, never while the global_lock is still held.
	localMu sync.Mutex
	cond    *sync.Cond

	handle    DeviceHandle
	actions   []ActionRule
	functions []FunctionRule

	triggered      bool
	triggeredIndex int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewPoller returns a pointer to a new [Poller] for a single device.
func NewPoller(
	identity DeviceIdentity, adapter DeviceAdapter, global GlobalYAML, deviceSections []DeviceYAML,
	bus Bus, metricsReg *metrics.Registry, fsys afero.Fs, uid, gid int, hasPrivDrop bool, logger *log.Logger,
) (*Poller, error) {
	if adapter == nil || bus == nil || metricsReg == nil || fsys == nil || logger == nil {
		return nil, fmt.Errorf("%w: required dependency is nil", errInvalidArgument)
	}
	if identity.Name == "" {
		return nil, fmt.Errorf("%w: device identity has no name", errInvalidArgument)
	}

	p := &Poller{
		identity:       identity,
		adapter:        adapter,
		bus:            bus,
		metrics:        metricsReg,
		logger:         logger,
		global:         global,
		deviceSections: deviceSections,
		fsys:           fsys,
		scriptDir:      global.effectiveScriptDir(),
		uid:            uid,
		gid:            gid,
		hasPrivDrop:    hasPrivDrop,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		triggeredIndex: -1,
	}
	p.cond = sync.NewCond(&p.localMu)

	return p, nil
}

// Stop signals the poller to stop after its current pass.
func (p *Poller) Stop() {
	p.once.Do(func() {
		close(p.stop)

		p.localMu.Lock()
		p.cond.Broadcast()
		p.localMu.Unlock()
	})
}

// Done returns a channel that is closed once polling has stopped.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Start starts polling the device in a background goroutine. The context is
// both observed and respected for earlier termination.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer recoverGoPanic("poller:"+p.identity.Name, p.logger)
		defer close(p.done)
		defer p.closeHandle()

		p.run(ctx)
	}()
}

// run is the polling loop body: at each pass it reopens the device if
// necessary, samples and dispatches, then sleeps one poll interval. It holds
// a single cancellation point per pass, checked at the top of the loop, in
// place of the original implementation's pthread_testcancel.
func (p *Poller) run(ctx context.Context) {
	timeout := p.global.effectiveTimeout()

	if err := p.openAndCompile(ctx); err != nil {
		p.logger.Printf("can't start polling %q: %v", p.identity.Name, err)
		p.metrics.IncPollerStopped(p.identity.Name, "open-failed")

		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		p.localMu.Lock()
		needsOpen := p.handle == nil
		p.localMu.Unlock()

		if needsOpen {
			if err := p.reopen(ctx); err != nil {
				if errors.Is(err, errAccessDenied) {
					p.logger.Printf("device %q access denied on reopen, stopping poller", p.identity.Name)
					p.metrics.IncPollerStopped(p.identity.Name, "access-denied")

					return
				}

				p.logger.Printf("can't reopen device %q, will retry: %v", p.identity.Name, err)
			}
		} else {
			p.pollOnce(ctx, timeout)
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-time.After(timeout):
		}
	}
}

// openAndCompile opens the device for the first time and runs the Rule
// Compiler (spec.md §4.1) against its option descriptors.
func (p *Poller) openAndCompile(ctx context.Context) error {
	handle, err := p.adapter.Open(ctx, p.identity.Name)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	count, err := handle.OptionCount(ctx)
	if err != nil {
		_ = handle.Close()

		return fmt.Errorf("option count: %w", err)
	}

	if count <= 0 {
		_ = handle.Close()

		return fmt.Errorf("%w: device reports no options", errDeviceUnavailable)
	}

	actions, functions := compileDeviceRules(ctx, handle, p.identity.Name, count, p.global, p.deviceSections, p.logger)

	p.localMu.Lock()
	p.handle = handle
	p.actions = actions
	p.functions = functions
	p.localMu.Unlock()

	p.logger.Printf("device %q opened with %d options, %d action rule(s), %d function rule(s)",
		p.identity.Name, count, len(actions), len(functions))

	if p.global.Debug {
		for i, a := range actions {
			p.logger.Printf("debug: device %q action[%d] %q on option %d, script=%q",
				p.identity.Name, i, a.ActionTitle, a.OptionIndex, a.ScriptPath)
		}

		for i, f := range functions {
			p.logger.Printf("debug: device %q function[%d] on option %d -> %s",
				p.identity.Name, i, f.OptionIndex, f.EnvVarName)
		}
	}

	return nil
}

// reopen reacquires the device handle after a dispatch closed it, without
// recompiling rules (option indices are assumed stable across reopens).
func (p *Poller) reopen(ctx context.Context) error {
	handle, err := p.adapter.Open(ctx, p.identity.Name)
	if err != nil {
		return err
	}

	p.localMu.Lock()
	p.handle = handle
	p.localMu.Unlock()

	return nil
}

// closeHandle closes and clears the device handle, if any is currently held.
func (p *Poller) closeHandle() {
	p.localMu.Lock()
	h := p.handle
	p.handle = nil
	p.localMu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			p.logger.Printf("error closing device %q: %v", p.identity.Name, err)
		}
	}
}

// pollOnce samples every compiled [ActionRule] in order, reusing a single
// read per option index within the pass (some backends reset a button's
// state on read), and dispatches every rule whose from/to transition
// matches — not only the first (spec.md §4.2 step 2, §8 scenario 3:
// multiple rules sharing an option index each fire in rule order). A
// no-op rule (empty or sentinel script path) is skipped entirely: it is
// never sampled and never fires from the poll loop, only ever from an
// external trigger. If a dispatch is already in flight for this device
// (fired by [Poller.fireExternalTrigger] on another goroutine), the pass
// is skipped outright, the same discipline fireExternalTrigger itself
// uses to avoid a second concurrent dispatch for the same device.
func (p *Poller) pollOnce(ctx context.Context, timeout time.Duration) {
	p.localMu.Lock()

	if p.handle == nil {
		p.localMu.Unlock()

		return
	}

	if p.triggered {
		p.logger.Printf("device %q has a trigger already in flight, skipping this pass", p.identity.Name)
		p.localMu.Unlock()

		return
	}

	sampled := make(map[int]OptionValue, len(p.actions))

	for i := range p.actions {
		if p.actions[i].isNoop() {
			continue
		}

		optionIndex := p.actions[i].OptionIndex

		current, ok := sampled[optionIndex]
		if !ok {
			if p.handle == nil {
				p.logger.Printf("device %q closed mid-pass, skipping remaining option reads", p.identity.Name)

				break
			}

			var err error

			current, err = p.handle.ReadOption(ctx, optionIndex)
			if err != nil {
				p.logger.Printf("can't read option %d on %q: %v", optionIndex, p.identity.Name, err)
				p.metrics.IncPollFailure(p.identity.Name)

				continue
			}

			sampled[optionIndex] = current

			if p.global.Debug {
				p.logger.Printf("debug: device %q option %d sampled num=%d str=%q",
					p.identity.Name, optionIndex, current.Num, current.Str)
			}
		}

		matched := valuesMatch(p.actions[i].LastObserved, p.actions[i].From, p.actions[i].Kind) &&
			valuesMatch(current, p.actions[i].To, p.actions[i].Kind)
		p.actions[i].LastObserved = current

		if !matched {
			continue
		}

		rule := p.actions[i]
		p.triggered = true
		p.triggeredIndex = i
		p.metrics.IncTriggerFired(p.identity.Name)
		p.localMu.Unlock()

		p.dispatch(ctx, rule, sampled, timeout)

		p.localMu.Lock()

		if p.triggered {
			p.logger.Printf("device %q has a trigger already in flight, ending this pass early", p.identity.Name)
			p.localMu.Unlock()

			return
		}
	}

	p.localMu.Unlock()
}

// fireExternalTrigger injects a trigger for actionTitle from outside the
// normal poll loop (reached through the Supervisor, e.g. from the bus
// FireTrigger method that the `trigger` subcommand calls; spec.md §4.2).
// It blocks while a dispatch is already in progress for this device, the Go
// equivalent of the original condition-variable wait in sane_trigger_action.
func (p *Poller) fireExternalTrigger(ctx context.Context, actionTitle string) error {
	p.localMu.Lock()

	for p.triggered {
		select {
		case <-p.stop:
			p.localMu.Unlock()

			return fmt.Errorf("%w: poller for %q has stopped", errDeviceUnavailable, p.identity.Name)
		default:
		}

		p.cond.Wait()
	}

	var (
		rule    *ActionRule
		ruleIdx = -1
	)

	for i := range p.actions {
		if p.actions[i].ActionTitle == actionTitle {
			rule = &p.actions[i]
			ruleIdx = i

			break
		}
	}

	if rule == nil {
		p.localMu.Unlock()

		return fmt.Errorf("%w: action %q is not configured for device %q",
			errInvalidArgument, actionTitle, p.identity.Name)
	}

	fired := *rule
	p.triggered = true
	p.triggeredIndex = ruleIdx
	p.localMu.Unlock()

	p.dispatch(ctx, fired, nil, p.global.effectiveTimeout())

	return nil
}

// actionTitleAt resolves an action index (as named by spec.md §6's
// fire_external_trigger(device_index, action_index) bus method) to the
// compiled rule's title, the form [Poller.fireExternalTrigger] actually
// dispatches by.
func (p *Poller) actionTitleAt(index int) (string, error) {
	p.localMu.Lock()
	defer p.localMu.Unlock()

	if index < 0 || index >= len(p.actions) {
		return "", fmt.Errorf("%w: action index %d out of range [0,%d) for device %q",
			errInvalidArgument, index, len(p.actions), p.identity.Name)
	}

	return p.actions[index].ActionTitle, nil
}

// valuesMatch compares an observed sample against one side of a rule's
// trigger pair: numeric kinds compare by exact integer equality, textual
// kinds by regex match (spec.md §3 design note).
func valuesMatch(observed, side OptionValue, kind OptionKind) bool {
	if kind.isNumeric() {
		return observed.Num == side.Num
	}

	if side.Regex == nil {
		return false
	}

	return side.Regex.MatchString(observed.Str)
}
