package main

import (
	"regexp"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// Expectation: NewPoller should reject nil dependencies and an identity with no name.
func Test_NewPoller_InvalidArguments_Error(t *testing.T) {
	t.Parallel()

	adapter := newMockDeviceAdapter()
	bus := &mockBus{}
	fsys := afero.NewMemMapFs()

	_, err := NewPoller(DeviceIdentity{}, adapter, GlobalYAML{}, nil, bus, testMetrics(), fsys, 0, 0, false, discardLogger())
	require.Error(t, err)

	_, err = NewPoller(DeviceIdentity{Name: "/dev/sg0"}, nil, GlobalYAML{}, nil, bus, testMetrics(), fsys, 0, 0, false, discardLogger())
	require.Error(t, err)
}

// Expectation: pollOnce should fire every matching action rule in a single pass, not just the first (multiple actions on one option).
func Test_Poller_pollOnce_MultipleActionsSameOption_BothFire(t *testing.T) {
	t.Parallel()

	adapter := newMockDeviceAdapter()
	handle := newMockDeviceHandle()
	handle.setValue(1, OptionValue{Num: 1})
	adapter.identities = []DeviceIdentity{{Name: "/dev/sg0"}}
	adapter.handles["/dev/sg0"] = handle

	bus := &mockBus{}

	p := newTestPoller(t, adapter, bus, nil, GlobalYAML{})
	p.handle = handle
	p.actions = []ActionRule{
		{OptionIndex: 1, Kind: OptionButton, From: OptionValue{Num: 0}, To: OptionValue{Num: 1}, LastObserved: OptionValue{Num: 0}, ActionTitle: "first", ScriptPath: "/bin/true"},
		{OptionIndex: 1, Kind: OptionButton, From: OptionValue{Num: 0}, To: OptionValue{Num: 1}, LastObserved: OptionValue{Num: 0}, ActionTitle: "second", ScriptPath: "/bin/true"},
	}

	p.pollOnce(t.Context(), time.Millisecond)

	require.Equal(t, 2, bus.triggerCount())
	require.Equal(t, "first", bus.triggers[0].action)
	require.Equal(t, "second", bus.triggers[1].action)
	require.Equal(t, 1, handle.readCount(), "both rules share an option index and should be sampled once")
}

// Expectation: pollOnce should reopen the device after a dispatch closes it, so a
// later rule in the same pass on a different, not-yet-sampled option index can
// still be read and fired instead of being silently skipped.
func Test_Poller_pollOnce_MultipleActionsDifferentOptions_BothFire(t *testing.T) {
	t.Parallel()

	adapter := newMockDeviceAdapter()
	handle := newMockDeviceHandle()
	handle.setValue(1, OptionValue{Num: 1})
	handle.setValue(2, OptionValue{Num: 1})
	adapter.identities = []DeviceIdentity{{Name: "/dev/sg0"}}
	adapter.handles["/dev/sg0"] = handle

	bus := &mockBus{}

	p := newTestPoller(t, adapter, bus, nil, GlobalYAML{})
	p.handle = handle
	p.actions = []ActionRule{
		{OptionIndex: 1, Kind: OptionButton, From: OptionValue{Num: 0}, To: OptionValue{Num: 1}, LastObserved: OptionValue{Num: 0}, ActionTitle: "first", ScriptPath: "/bin/true"},
		{OptionIndex: 2, Kind: OptionButton, From: OptionValue{Num: 0}, To: OptionValue{Num: 1}, LastObserved: OptionValue{Num: 0}, ActionTitle: "second", ScriptPath: "/bin/true"},
	}

	p.pollOnce(t.Context(), time.Millisecond)

	require.Equal(t, 2, bus.triggerCount())
	require.Equal(t, "first", bus.triggers[0].action)
	require.Equal(t, "second", bus.triggers[1].action)
	require.False(t, p.triggered)

	p.localMu.Lock()
	defer p.localMu.Unlock()
	require.NotNil(t, p.handle, "device should be reopened after the first dispatch so option 2 can still be sampled")
}

// Expectation: pollOnce should skip its pass entirely when a dispatch is already
// in flight for this device (e.g. an external trigger), never starting a second
// concurrent dispatch.
func Test_Poller_pollOnce_AlreadyTriggered_SkipsPass(t *testing.T) {
	t.Parallel()

	adapter := newMockDeviceAdapter()
	handle := newMockDeviceHandle()
	handle.setValue(1, OptionValue{Num: 1})
	adapter.identities = []DeviceIdentity{{Name: "/dev/sg0"}}
	adapter.handles["/dev/sg0"] = handle

	bus := &mockBus{}

	p := newTestPoller(t, adapter, bus, nil, GlobalYAML{})
	p.handle = handle
	p.triggered = true
	p.actions = []ActionRule{
		{OptionIndex: 1, Kind: OptionButton, From: OptionValue{Num: 0}, To: OptionValue{Num: 1}, LastObserved: OptionValue{Num: 0}, ActionTitle: "first", ScriptPath: "/bin/true"},
	}

	p.pollOnce(t.Context(), time.Millisecond)

	require.Zero(t, bus.triggerCount())
	require.Zero(t, handle.readCount())
}

// Expectation: pollOnce should never sample or fire a no-op rule from the poll loop.
func Test_Poller_pollOnce_NoopRule_NeverSampled(t *testing.T) {
	t.Parallel()

	adapter := newMockDeviceAdapter()
	handle := newMockDeviceHandle()
	adapter.identities = []DeviceIdentity{{Name: "/dev/sg0"}}
	adapter.handles["/dev/sg0"] = handle

	bus := &mockBus{}

	p := newTestPoller(t, adapter, bus, nil, GlobalYAML{})
	p.handle = handle
	p.actions = []ActionRule{
		{OptionIndex: 1, Kind: OptionButton, ActionTitle: "noop", ScriptPath: ""},
	}

	p.pollOnce(t.Context(), time.Millisecond)

	require.Zero(t, handle.readCount())
	require.Zero(t, bus.triggerCount())
}

// Expectation: pollOnce should not fire a rule whose observed transition doesn't match its from/to pair.
func Test_Poller_pollOnce_NoTransition_NoFire(t *testing.T) {
	t.Parallel()

	adapter := newMockDeviceAdapter()
	handle := newMockDeviceHandle()
	handle.setValue(1, OptionValue{Num: 0})
	adapter.identities = []DeviceIdentity{{Name: "/dev/sg0"}}
	adapter.handles["/dev/sg0"] = handle

	bus := &mockBus{}

	p := newTestPoller(t, adapter, bus, nil, GlobalYAML{})
	p.handle = handle
	p.actions = []ActionRule{
		{OptionIndex: 1, Kind: OptionButton, From: OptionValue{Num: 0}, To: OptionValue{Num: 1}, LastObserved: OptionValue{Num: 0}, ActionTitle: "scan", ScriptPath: "/bin/true"},
	}

	p.pollOnce(t.Context(), time.Millisecond)

	require.Zero(t, bus.triggerCount())
}

// Expectation: a string kind rule should match by regex against the observed textual sample.
func Test_Poller_pollOnce_StringTrigger_RegexMatch(t *testing.T) {
	t.Parallel()

	adapter := newMockDeviceAdapter()
	handle := newMockDeviceHandle()
	handle.setValue(1, OptionValue{Str: "ready"})
	adapter.identities = []DeviceIdentity{{Name: "/dev/sg0"}}
	adapter.handles["/dev/sg0"] = handle

	bus := &mockBus{}

	p := newTestPoller(t, adapter, bus, nil, GlobalYAML{})
	p.handle = handle
	p.actions = []ActionRule{
		{
			OptionIndex:  1,
			Kind:         OptionString,
			From:         OptionValue{Str: "idle", Regex: regexp.MustCompile("^idle$")},
			To:           OptionValue{Str: "ready", Regex: regexp.MustCompile("^ready$")},
			LastObserved: OptionValue{Str: "idle"},
			ActionTitle:  "ready",
			ScriptPath:   "/bin/true",
		},
	}

	p.pollOnce(t.Context(), time.Millisecond)

	require.Equal(t, 1, bus.triggerCount())
}

// Expectation: actionTitleAt should resolve a valid index and reject an out-of-range one.
func Test_Poller_actionTitleAt(t *testing.T) {
	t.Parallel()

	adapter := newMockDeviceAdapter()
	bus := &mockBus{}

	p := newTestPoller(t, adapter, bus, nil, GlobalYAML{})
	p.actions = []ActionRule{{ActionTitle: "scan"}, {ActionTitle: "copy"}}

	title, err := p.actionTitleAt(1)
	require.NoError(t, err)
	require.Equal(t, "copy", title)

	_, err = p.actionTitleAt(5)
	require.Error(t, err)
}

// Expectation: fireExternalTrigger should reject an action title that isn't configured for the device.
func Test_Poller_fireExternalTrigger_UnknownAction_Error(t *testing.T) {
	t.Parallel()

	adapter := newMockDeviceAdapter()
	bus := &mockBus{}

	p := newTestPoller(t, adapter, bus, nil, GlobalYAML{})
	p.actions = []ActionRule{{ActionTitle: "scan", ScriptPath: scriptNoop}}

	err := p.fireExternalTrigger(t.Context(), "nonexistent")
	require.Error(t, err)
}

// Expectation: fireExternalTrigger should dispatch the named rule and emit its bus signals.
func Test_Poller_fireExternalTrigger_Success(t *testing.T) {
	t.Parallel()

	adapter := newMockDeviceAdapter()
	bus := &mockBus{}

	p := newTestPoller(t, adapter, bus, nil, GlobalYAML{})
	p.actions = []ActionRule{{ActionTitle: "scan", ScriptPath: scriptNoop, OptionIndex: 1}}

	err := p.fireExternalTrigger(t.Context(), "scan")
	require.NoError(t, err)
	require.Equal(t, 1, bus.triggerCount())
}
