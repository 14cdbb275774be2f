package main

import (
	"context"
	"sync"

	"github.com/scanbd/scanbd-go/internal/metrics"
)

// testMetrics returns a package-wide shared [metrics.Registry]. promauto
// registers every collector against the default Prometheus registerer, so
// metrics.NewRegistry hands out one process-wide instance; the tests here and
// every [Program] built by NewProgram in this binary share it.
var (
	testMetricsOnce sync.Once
	testMetricsReg  *metrics.Registry
)

func testMetrics() *metrics.Registry {
	testMetricsOnce.Do(func() {
		testMetricsReg = metrics.NewRegistry()
	})

	return testMetricsReg
}

var _ DeviceHandle = (*mockDeviceHandle)(nil)

// mockDeviceHandle is a hand-rolled [DeviceHandle] test double: option
// descriptors and values are canned per index, reads/closes are counted.
type mockDeviceHandle struct {
	mu sync.Mutex

	options     map[int]OptionDescriptor
	values      map[int]OptionValue
	optionCount int

	optionErr     error
	readErr       error
	optionCountErr error
	closeErr      error

	readCalls  int
	closed     bool
	closeCalls int
}

func newMockDeviceHandle() *mockDeviceHandle {
	return &mockDeviceHandle{
		options: make(map[int]OptionDescriptor),
		values:  make(map[int]OptionValue),
	}
}

func (h *mockDeviceHandle) OptionCount(_ context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.optionCountErr != nil {
		return 0, h.optionCountErr
	}

	return h.optionCount, nil
}

func (h *mockDeviceHandle) Option(_ context.Context, index int) (OptionDescriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.optionErr != nil {
		return OptionDescriptor{}, h.optionErr
	}

	return h.options[index], nil
}

func (h *mockDeviceHandle) ReadOption(_ context.Context, index int) (OptionValue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.readCalls++

	if h.readErr != nil {
		return OptionValue{}, h.readErr
	}

	return h.values[index], nil
}

func (h *mockDeviceHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closeCalls++
	h.closed = true

	return h.closeErr
}

func (h *mockDeviceHandle) setValue(index int, v OptionValue) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.values[index] = v
}

func (h *mockDeviceHandle) readCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.readCalls
}

var _ DeviceAdapter = (*mockDeviceAdapter)(nil)

// mockDeviceAdapter is a hand-rolled [DeviceAdapter] test double: it
// enumerates and opens canned devices/handles, counting each Open call.
type mockDeviceAdapter struct {
	mu sync.Mutex

	identities  []DeviceIdentity
	handles     map[string]*mockDeviceHandle
	enumerateErr error
	openErr     error

	openCalls map[string]int
}

func newMockDeviceAdapter() *mockDeviceAdapter {
	return &mockDeviceAdapter{
		handles:   make(map[string]*mockDeviceHandle),
		openCalls: make(map[string]int),
	}
}

func (a *mockDeviceAdapter) Enumerate(_ context.Context) ([]DeviceIdentity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.enumerateErr != nil {
		return nil, a.enumerateErr
	}

	return a.identities, nil
}

func (a *mockDeviceAdapter) Open(_ context.Context, name string) (DeviceHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.openCalls[name]++

	if a.openErr != nil {
		return nil, a.openErr
	}

	h, ok := a.handles[name]
	if !ok {
		return nil, errDeviceUnavailable
	}

	return h, nil
}

func (a *mockDeviceAdapter) openCount(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.openCalls[name]
}

var _ Bus = (*mockBus)(nil)

// mockBus is a hand-rolled [Bus] test double recording every call it receives.
type mockBus struct {
	mu sync.Mutex

	scanBegins []string
	triggers   []mockTriggerCall
	scanEnds   []string
	fires      []mockFireCall
	acquires   int
	releases   int
	closed     bool

	scanBeginErr error
	triggerErr   error
	scanEndErr   error
	fireErr      error
}

type mockTriggerCall struct {
	device string
	action string
	env    []string
}

type mockFireCall struct {
	deviceIndex int
	actionIndex int
}

func (b *mockBus) ScanBegin(device string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.scanBegins = append(b.scanBegins, device)

	return b.scanBeginErr
}

func (b *mockBus) Trigger(device, action string, env []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.triggers = append(b.triggers, mockTriggerCall{device: device, action: action, env: env})

	return b.triggerErr
}

func (b *mockBus) ScanEnd(device string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.scanEnds = append(b.scanEnds, device)

	return b.scanEndErr
}

func (b *mockBus) FireTrigger(deviceIndex, actionIndex int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fires = append(b.fires, mockFireCall{deviceIndex: deviceIndex, actionIndex: actionIndex})

	return b.fireErr
}

func (b *mockBus) Acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.acquires++

	return nil
}

func (b *mockBus) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.releases++

	return nil
}

func (b *mockBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	return nil
}

func (b *mockBus) triggerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.triggers)
}
