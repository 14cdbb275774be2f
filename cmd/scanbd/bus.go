package main

import (
	"fmt"
	"log"

	"github.com/godbus/dbus/v5"
)

const (
	busName          = "net.sourceforge.scanbd"
	busPath          = "/net/sourceforge/scanbd/Manager"
	busInterfaceName = "net.sourceforge.scanbd.manager"
)

// Bus is the desktop bus transport side of the Signal Control Plane
// (spec.md §6): it emits the three lifecycle signals bracketing a dispatch
// and exposes the manager-mode acquire/release calls plus the external
// trigger entry point used by the `trigger` subcommand. FireTrigger takes
// the device and action index pair named by spec.md §6's
// `fire_external_trigger(device_index, action_index)` method call.
type Bus interface {
	ScanBegin(device string) error
	Trigger(device, action string, env []string) error
	ScanEnd(device string) error
	FireTrigger(deviceIndex, actionIndex int) error
	Acquire() error
	Release() error
	Close() error
}

// TriggerHandler is implemented by whatever should service incoming
// FireTrigger/Acquire/Release bus calls made against a running daemon
// (spec.md §6's two manager-mode methods plus the external trigger call).
type TriggerHandler interface {
	FireTrigger(deviceIndex, actionIndex int32) *dbus.Error
	Acquire() *dbus.Error
	Release() *dbus.Error
}

var _ Bus = (*DBusBus)(nil)

// DBusBus is the principal [Bus] implementation, grounded on the session
// bus connection pattern other locally-installed desktop daemons use.
type DBusBus struct {
	conn *dbus.Conn
}

// NewDBusBus connects to the session bus and claims the well-known name.
func NewDBusBus() (*DBusBus, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("request bus name %q: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		_ = conn.Close()

		return nil, fmt.Errorf("bus name %q is already owned by another process", busName)
	}

	return &DBusBus{conn: conn}, nil
}

// NewDBusBusClient connects to the session bus without claiming the
// well-known name, for callers that only ever place calls against an
// already-running daemon (the `trigger` subcommand, manager mode's
// bus-mode path) rather than serve them.
func NewDBusBusClient() (*DBusBus, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}

	return &DBusBus{conn: conn}, nil
}

func (b *DBusBus) emit(signal string, args ...any) error {
	if err := b.conn.Emit(dbus.ObjectPath(busPath), busInterfaceName+"."+signal, args...); err != nil {
		return fmt.Errorf("emit %s: %w", signal, err)
	}

	return nil
}

// ScanBegin emits the scan_begin signal naming the triggering device.
func (b *DBusBus) ScanBegin(device string) error {
	return b.emit("scan_begin", device)
}

// Trigger emits the trigger signal carrying the fired action's name and its
// assembled environment.
func (b *DBusBus) Trigger(device, action string, env []string) error {
	return b.emit("trigger", device, action, env)
}

// ScanEnd emits the scan_end signal naming the triggering device.
func (b *DBusBus) ScanEnd(device string) error {
	return b.emit("scan_end", device)
}

// FireTrigger is the external trigger entry point used by the `trigger`
// subcommand (spec.md §4.2): it calls into a running daemon over the bus
// rather than manipulating poller state directly in-process, mirroring the
// original implementation's dbus_call_trigger.
func (b *DBusBus) FireTrigger(deviceIndex, actionIndex int) error {
	obj := b.conn.Object(busName, dbus.ObjectPath(busPath))

	call := obj.Call(busInterfaceName+".FireTrigger", 0, int32(deviceIndex), int32(actionIndex))
	if call.Err != nil {
		return fmt.Errorf("call FireTrigger(%d, %d): %w", deviceIndex, actionIndex, call.Err)
	}

	return nil
}

// Serve exports handler's methods at the well-known bus object path so a
// running daemon becomes addressable by the `trigger` subcommand and by
// manager mode running against a different process (spec.md §6).
func (b *DBusBus) Serve(handler TriggerHandler) error {
	if err := b.conn.Export(handler, dbus.ObjectPath(busPath), busInterfaceName); err != nil {
		return fmt.Errorf("export handlers: %w", err)
	}

	return nil
}

// Acquire quiesces a currently running daemon's polling; used by manager
// mode before forking saned in dbus-mode (spec.md §6).
func (b *DBusBus) Acquire() error {
	obj := b.conn.Object(busName, dbus.ObjectPath(busPath))

	call := obj.Call(busInterfaceName+".Acquire", 0)
	if call.Err != nil {
		return fmt.Errorf("call Acquire: %w", call.Err)
	}

	return nil
}

// Release resumes a currently running daemon's polling.
func (b *DBusBus) Release() error {
	obj := b.conn.Object(busName, dbus.ObjectPath(busPath))

	call := obj.Call(busInterfaceName+".Release", 0)
	if call.Err != nil {
		return fmt.Errorf("call Release: %w", call.Err)
	}

	return nil
}

// Close releases the underlying bus connection.
func (b *DBusBus) Close() error {
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("close bus connection: %w", err)
	}

	return nil
}

var _ Bus = (*LoggingBus)(nil)

// LoggingBus is a [Bus] that only logs, used when bus integration is
// disabled (manager mode's --signal path) or when a daemon starts with no
// session bus available.
type LoggingBus struct {
	logger *log.Logger
}

// NewLoggingBus returns a pointer to a new [LoggingBus].
func NewLoggingBus(logger *log.Logger) *LoggingBus {
	return &LoggingBus{logger: logger}
}

func (b *LoggingBus) ScanBegin(device string) error {
	b.logger.Printf("bus: scan_begin device=%s", device)

	return nil
}

func (b *LoggingBus) Trigger(device, action string, env []string) error {
	b.logger.Printf("bus: trigger device=%s action=%s env=%v", device, action, env)

	return nil
}

func (b *LoggingBus) ScanEnd(device string) error {
	b.logger.Printf("bus: scan_end device=%s", device)

	return nil
}

func (b *LoggingBus) FireTrigger(deviceIndex, actionIndex int) error {
	return fmt.Errorf("%w: external trigger requires a connected bus", errDeviceUnavailable)
}

func (b *LoggingBus) Acquire() error {
	b.logger.Printf("bus: acquire")

	return nil
}

func (b *LoggingBus) Release() error {
	b.logger.Printf("bus: release")

	return nil
}

func (b *LoggingBus) Close() error {
	return nil
}
