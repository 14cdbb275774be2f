package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// errDeviceUnavailable occurs when a device cannot be enumerated, opened, or
// reopened.
var errDeviceUnavailable = errors.New("device unavailable")

// errAccessDenied occurs when reopening a device fails because another
// process is presumed to now hold it.
var errAccessDenied = errors.New("access denied")

// DeviceIdentity identifies a single locally attached scanner device.
type DeviceIdentity struct {
	Name   string `json:"name"`
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
	Type   string `json:"type"`
}

// DeviceAdapter is the Scanner Access Adapter (SAA): a thin abstraction over
// the scanner access library, which is treated as an external collaborator
// and is out of scope for this core (spec.md §1, §6). It enumerates locally
// attached devices and opens them for polling.
type DeviceAdapter interface {
	Enumerate(ctx context.Context) ([]DeviceIdentity, error)
	Open(ctx context.Context, name string) (DeviceHandle, error)
}

// DeviceHandle is an open device: its option descriptors and current
// values. An open handle is exclusively owned by the [Poller] that
// opened it; it must be nil (closed) for the duration of a dispatched
// script (spec.md §3 invariant).
type DeviceHandle interface {
	OptionCount(ctx context.Context) (int, error)
	Option(ctx context.Context, index int) (OptionDescriptor, error)
	ReadOption(ctx context.Context, index int) (OptionValue, error)
	Close() error
}

var _ DeviceAdapter = (*BridgeDeviceAdapter)(nil)

// BridgeDeviceAdapter is the principal [DeviceAdapter] implementation. It
// shells out to an external helper (configured as [BridgeDeviceAdapter.Command],
// conventionally a thin frontend over the real scanner access library) and
// expects line-oriented JSON on stdout, in the same spirit as the teacher's
// own sg_ses/--json integration: the actual device protocol is someone
// else's problem, we just need a JSON boundary to poll across.
type BridgeDeviceAdapter struct {
	// Command is the path to the bridge helper executable.
	Command string

	runner CommandRunner
	fsys   afero.Fs
	logger *log.Logger

	attempts        int
	attemptTimeout  time.Duration
	attemptInterval time.Duration
}

// NewBridgeDeviceAdapter returns a pointer to a new [BridgeDeviceAdapter]. fsys
// is used only as a fallback for [BridgeDeviceAdapter.Enumerate] when the
// bridge helper itself can't enumerate (spec.md §1's "no remote device
// enumeration" non-goal only excludes remote devices, not a local sysfs
// fallback); it may be nil to disable the fallback.
func NewBridgeDeviceAdapter(command string, runner CommandRunner, fsys afero.Fs, logger *log.Logger) (*BridgeDeviceAdapter, error) {
	if runner == nil || logger == nil {
		return nil, fmt.Errorf("%w: required dependency is nil", errInvalidArgument)
	}
	if command == "" {
		return nil, fmt.Errorf("%w: no bridge command provided", errInvalidArgument)
	}

	return &BridgeDeviceAdapter{
		Command:         command,
		runner:          runner,
		fsys:            fsys,
		logger:          logger,
		attempts:        3,
		attemptTimeout:  5 * time.Second,
		attemptInterval: time.Second,
	}, nil
}

// run invokes the bridge helper with the given arguments and decodes its
// stdout as JSON into v.
func (a *BridgeDeviceAdapter) run(ctx context.Context, args []string, v any) error {
	stdout, _, err := a.runner.Run(ctx, RunCommandConfig{
		Description:     fmt.Sprintf("%q %v", a.Command, args),
		Command:         a.Command,
		Args:            args,
		Attempts:        a.attempts,
		AttemptTimeout:  a.attemptTimeout,
		AttemptInterval: a.attemptInterval,
		ExpectJSON:      true,
		PrintErrors:     true,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errDeviceUnavailable, err)
	}

	if v != nil {
		if err := json.Unmarshal([]byte(stdout), v); err != nil {
			return fmt.Errorf("%w: %w", errInvalidJSON, err)
		}
	}

	return nil
}

// Enumerate lists the devices currently attached locally. If the bridge
// helper fails to enumerate and a sysfs filesystem was provided at
// construction, it falls back to a local scsi_generic glob in the same
// spirit as the teacher's own DeviceFinder, rather than failing outright.
func (a *BridgeDeviceAdapter) Enumerate(ctx context.Context) ([]DeviceIdentity, error) {
	var devices []DeviceIdentity
	if err := a.run(ctx, []string{"enumerate"}, &devices); err != nil {
		if a.fsys == nil {
			return nil, fmt.Errorf("enumerate: %w", err)
		}

		a.logger.Printf("Warning: bridge enumerate failed (%v), falling back to local sysfs scan", err)

		fallback, fallbackErr := sysfsEnumerate(a.fsys)
		if fallbackErr != nil {
			return nil, fmt.Errorf("enumerate: %w (sysfs fallback: %w)", err, fallbackErr)
		}

		return fallback, nil
	}

	return devices, nil
}

// sysfsEnumerate lists locally attached scsi_generic devices by globbing
// sysfs, grounded on the teacher's own NewDeviceFinder. It is a best-effort
// fallback used only when the configured bridge helper can't enumerate on
// its own; it never reaches across the network (spec.md §1 non-goal: no
// remote device enumeration).
func sysfsEnumerate(fsys afero.Fs) ([]DeviceIdentity, error) {
	matches, err := afero.Glob(fsys, "/sys/class/scsi_generic/sg*/device")
	if err != nil {
		return nil, fmt.Errorf("glob failure: %w", err)
	}

	identities := make([]DeviceIdentity, 0, len(matches))

	for _, d := range matches {
		name := "/dev/" + filepath.Base(filepath.Dir(d))

		vendor := sysfsAttr(fsys, d, "vendor")
		model := sysfsAttr(fsys, d, "model")
		devType := sysfsAttr(fsys, d, "type")

		identities = append(identities, DeviceIdentity{
			Name:   name,
			Vendor: vendor,
			Model:  model,
			Type:   devType,
		})
	}

	return identities, nil
}

// sysfsAttr reads and trims a single sysfs attribute file, returning "" if
// it can't be read.
func sysfsAttr(fsys afero.Fs, dir, attr string) string {
	b, err := afero.ReadFile(fsys, filepath.Join(dir, attr))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(b))
}

// Open opens a device by name for polling.
func (a *BridgeDeviceAdapter) Open(ctx context.Context, name string) (DeviceHandle, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := a.run(ctx, []string{"open", "--device", name}, &resp); err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	if resp.Status == "access-denied" {
		return nil, fmt.Errorf("open %q: %w", name, errAccessDenied)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("open %q: %w: status=%s", name, errDeviceUnavailable, resp.Status)
	}

	return &bridgeDeviceHandle{name: name, adapter: a}, nil
}

var _ DeviceHandle = (*bridgeDeviceHandle)(nil)

// bridgeDeviceHandle is the [DeviceHandle] returned by [BridgeDeviceAdapter.Open].
type bridgeDeviceHandle struct {
	name    string
	adapter *BridgeDeviceAdapter
}

// OptionCount reads option 0, the reserved option holding the device's
// total option count.
func (h *bridgeDeviceHandle) OptionCount(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	if err := h.adapter.run(ctx, []string{"option-count", "--device", h.name}, &resp); err != nil {
		return 0, fmt.Errorf("option-count %q: %w", h.name, err)
	}

	return resp.Count, nil
}

// Option reads the descriptor of the option at index.
func (h *bridgeDeviceHandle) Option(ctx context.Context, index int) (OptionDescriptor, error) {
	var resp struct {
		Name   string `json:"name"`
		Kind   string `json:"kind"`
		Active bool   `json:"active"`
	}
	if err := h.adapter.run(ctx, []string{"option", "--device", h.name, "--index", itoa(index)}, &resp); err != nil {
		return OptionDescriptor{}, fmt.Errorf("option %q[%d]: %w", h.name, index, err)
	}

	kind, err := parseOptionKind(resp.Kind)
	if err != nil {
		return OptionDescriptor{}, fmt.Errorf("option %q[%d]: %w", h.name, index, err)
	}

	return OptionDescriptor{Index: index, Name: resp.Name, Kind: kind, Active: resp.Active}, nil
}

// ReadOption reads the current value of the option at index.
func (h *bridgeDeviceHandle) ReadOption(ctx context.Context, index int) (OptionValue, error) {
	var resp struct {
		Num uint64 `json:"num"`
		Str string `json:"str"`
	}
	if err := h.adapter.run(ctx, []string{"read", "--device", h.name, "--index", itoa(index)}, &resp); err != nil {
		return OptionValue{}, fmt.Errorf("read %q[%d]: %w", h.name, index, err)
	}

	return OptionValue{Num: resp.Num, Str: resp.Str}, nil
}

// Close releases the device so another process may open it.
func (h *bridgeDeviceHandle) Close() error {
	if err := h.adapter.run(context.Background(), []string{"close", "--device", h.name}, nil); err != nil {
		return fmt.Errorf("close %q: %w", h.name, err)
	}

	return nil
}

// parseOptionKind maps the bridge's wire string to an [OptionKind].
func parseOptionKind(s string) (OptionKind, error) {
	switch s {
	case "bool":
		return OptionBool, nil
	case "int":
		return OptionInt, nil
	case "fixed":
		return OptionFixed, nil
	case "string":
		return OptionString, nil
	case "button":
		return OptionButton, nil
	default:
		return 0, fmt.Errorf("%w: unknown option kind %q", errDeviceUnavailable, s)
	}
}

// itoa avoids pulling in strconv at every call site above.
func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}
