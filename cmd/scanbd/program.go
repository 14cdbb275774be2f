package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/scanbd/scanbd-go/internal/metrics"
)

// Program is the process-wide wiring of the Supervisor (spec.md §4.4) plus
// everything spec.md §1 and §6 name as external collaborators: YAML
// configuration decoding, the device adapter, the bus transport, metrics,
// and the pidfile. It plays the same role the teacher's own Program does
// for its DeviceMonitor collection.
type Program struct {
	cfg         ConfigYAML
	logger      *log.Logger
	metricsReg  *metrics.Registry
	bus         Bus
	adapter     DeviceAdapter
	fsys        afero.Fs
	supervisor  *Supervisor
	metricsSrv  *http.Server
	metricsOnce sync.Once
	pidfilePath string

	mu sync.Mutex
}

// NewProgram decodes a YAML configuration and assembles a [Program] ready
// to [Program.Start]. Any of fsys, adapter, or bus may be nil to request
// the production default (real filesystem, bridge-helper device adapter,
// session-bus transport falling back to a logging-only bus when no bus is
// reachable).
func NewProgram(yamlConfig []byte, fsys afero.Fs, adapter DeviceAdapter, bus Bus, out io.Writer) (*Program, error) {
	var cfg ConfigYAML

	decoder := yaml.NewDecoder(bytes.NewReader(yamlConfig))
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failure parsing YAML: %w", err)
	}

	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	var logger *log.Logger
	if cfg.DisableTimestamps {
		logger = log.New(out, "", log.Lmsgprefix)
	} else {
		logger = log.New(out, "", log.LstdFlags|log.Lmsgprefix)
	}

	metricsReg := metrics.NewRegistry()

	if bus == nil {
		dbusBus, err := NewDBusBus()
		if err != nil {
			logger.Printf("Warning: session bus not reachable (%v), signals will only be logged", err)

			bus = NewLoggingBus(logger)
		} else {
			bus = dbusBus
		}
	}

	if adapter == nil {
		runner := &RetryCommandRunner{logger: logger}

		bridgeAdapter, err := NewBridgeDeviceAdapter(cfg.Global.effectiveBridgeCommand(), runner, fsys, logger)
		if err != nil {
			return nil, fmt.Errorf("failure creating device adapter: %w", err)
		}

		adapter = bridgeAdapter
	}

	uid, gid, hasPrivDrop, err := resolvePrivileges(cfg.Global.User, cfg.Global.Group)
	if err != nil {
		return nil, fmt.Errorf("failure resolving privilege-drop identity: %w", err)
	}

	supervisor, err := NewSupervisor(cfg, adapter, bus, metricsReg, fsys, uid, gid, hasPrivDrop, logger)
	if err != nil {
		return nil, fmt.Errorf("failure creating supervisor: %w", err)
	}

	p := &Program{
		cfg:         cfg,
		logger:      logger,
		metricsReg:  metricsReg,
		bus:         bus,
		adapter:     adapter,
		fsys:        fsys,
		supervisor:  supervisor,
		pidfilePath: cfg.Global.Pidfile,
	}

	if cfg.Global.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsReg.Handler())
		p.metricsSrv = &http.Server{
			Addr:              cfg.Global.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return p, nil
}

// resolvePrivileges looks up the configured user/group by name and returns
// the uid/gid a dispatched script's child process should run as (spec.md
// §4.3, §9's "privilege transitions" design note). Both user and group must
// be configured together for privilege drop to be enabled; neither being
// set means the daemon runs scripts under its own current credentials.
func resolvePrivileges(username, groupname string) (uid, gid int, hasPrivDrop bool, err error) {
	if username == "" && groupname == "" {
		return 0, 0, false, nil
	}
	if username == "" || groupname == "" {
		return 0, 0, false, fmt.Errorf("%w: user and group must both be set to enable privilege drop", errInvalidArgument)
	}

	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, false, fmt.Errorf("lookup user %q: %w", username, err)
	}

	g, err := user.LookupGroup(groupname)
	if err != nil {
		return 0, 0, false, fmt.Errorf("lookup group %q: %w", groupname, err)
	}

	uidVal, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}

	gidVal, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse gid %q: %w", g.Gid, err)
	}

	return uidVal, gidVal, true, nil
}

// Start brings up device polling and, if configured, the metrics HTTP
// endpoint and the pidfile. If the bus is a connected [DBusBus], this also
// exports the daemon's trigger/acquire/release methods so it becomes
// addressable by the `trigger` subcommand and by manager mode (spec.md §6).
func (p *Program) Start(ctx context.Context) error {
	if err := p.supervisor.StartAll(ctx); err != nil {
		return fmt.Errorf("start polling: %w", err)
	}

	if dbusBus, ok := p.bus.(*DBusBus); ok {
		if err := dbusBus.Serve(&busHandler{prog: p, ctx: ctx}); err != nil {
			p.logger.Printf("Warning: can't export bus methods: %v", err)
		}
	}

	if p.pidfilePath != "" {
		if err := writePidfile(p.fsys, p.pidfilePath); err != nil {
			p.logger.Printf("Warning: can't write pidfile %q: %v", p.pidfilePath, err)
		}
	}

	if p.metricsSrv != nil {
		p.metricsOnce.Do(func() {
			go func() {
				defer recoverGoPanic("metrics-server", p.logger)

				if err := p.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					p.logger.Printf("metrics server stopped: %v", err)
				}
			}()
		})
	}

	return nil
}

// Stop signals every poller to stop without waiting for them.
func (p *Program) Stop() {
	p.supervisor.StopAll()
}

// Done returns a channel closed once every poller has stopped.
func (p *Program) Done() <-chan struct{} {
	return p.supervisor.Done()
}

// Reload reparses a possibly-changed configuration file and restarts
// polling against it (spec.md §4.4, the SIGHUP path).
func (p *Program) Reload(ctx context.Context, yamlConfig []byte) error {
	var cfg ConfigYAML

	decoder := yaml.NewDecoder(bytes.NewReader(yamlConfig))
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil {
		return fmt.Errorf("failure parsing YAML: %w", err)
	}

	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	if err := p.supervisor.Reload(ctx, cfg); err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	return nil
}

// FireExternalTrigger injects a trigger for device/action, both given by
// name, from outside the normal poll loop. The bus FireTrigger method uses
// [Program.FireExternalTriggerByIndex] instead.
func (p *Program) FireExternalTrigger(ctx context.Context, device, action string) error {
	if err := p.supervisor.FireExternalTrigger(ctx, device, action); err != nil {
		return fmt.Errorf("fire external trigger: %w", err)
	}

	return nil
}

// FireExternalTriggerByIndex is the (device_index, action_index) form of
// [Program.FireExternalTrigger], matching spec.md §6's bus method contract.
func (p *Program) FireExternalTriggerByIndex(ctx context.Context, deviceIndex, actionIndex int) error {
	if err := p.supervisor.FireExternalTriggerByIndex(ctx, deviceIndex, actionIndex); err != nil {
		return fmt.Errorf("fire external trigger: %w", err)
	}

	return nil
}

// busHandler adapts a [Program] to the [TriggerHandler] interface so its
// methods can be exported on the bus (spec.md §6). Exported methods follow
// the godbus convention of returning *dbus.Error rather than error.
type busHandler struct {
	prog *Program
	ctx  context.Context
}

func (h *busHandler) FireTrigger(deviceIndex, actionIndex int32) *dbus.Error {
	if err := h.prog.FireExternalTriggerByIndex(h.ctx, int(deviceIndex), int(actionIndex)); err != nil {
		return dbus.MakeFailedError(err)
	}

	return nil
}

func (h *busHandler) Acquire() *dbus.Error {
	h.prog.Stop()
	<-h.prog.Done()

	return nil
}

func (h *busHandler) Release() *dbus.Error {
	if err := h.prog.Start(h.ctx); err != nil {
		return dbus.MakeFailedError(err)
	}

	return nil
}

// Close shuts down the metrics server, the bus connection, and removes the
// pidfile; best-effort, matching the original's non-fatal pidfile/unlink
// handling on terminate.
func (p *Program) Close(ctx context.Context) {
	if p.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := p.metricsSrv.Shutdown(shutdownCtx); err != nil {
			p.logger.Printf("Warning: metrics server shutdown: %v", err)
		}
	}

	if err := p.bus.Close(); err != nil {
		p.logger.Printf("Warning: bus close: %v", err)
	}

	if p.pidfilePath != "" {
		if err := removePidfile(p.fsys, p.pidfilePath); err != nil {
			p.logger.Printf("Warning: can't remove pidfile %q: %v", p.pidfilePath, err)
		}
	}
}
