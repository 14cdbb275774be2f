package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// runSignalControlPlane is the Signal Control Plane (spec.md §4.5): it
// translates asynchronous process signals into Supervisor/Program calls.
// SIGHUP reloads, SIGUSR1 pauses all polling, SIGUSR2 resumes it, and
// SIGTERM/SIGINT stops polling and terminates the process.
//
// The original's sigaction-based handlers mask the other three of these
// four signals for the duration of each handler (spec.md §4.5) so that,
// say, a reload and a pause can never interleave. Go's signal package has
// no per-handler masking equivalent, so this is modeled instead as a single
// goroutine pulling signals off one channel and handling them one at a
// time: the next signal is only read once the current call into prog has
// returned, which gives the same non-interleaving guarantee (spec.md §9
// design note).
func runSignalControlPlane(ctx context.Context, cancel func(), prog *Program, configPath string, logger *log.Logger) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if handleControlSignal(ctx, cancel, prog, configPath, sig, logger) {
				return
			}
		}
	}
}

// handleControlSignal dispatches a single received signal to its Program
// call and reports whether the control plane should stop afterward.
func handleControlSignal(ctx context.Context, cancel func(), prog *Program, configPath string, sig os.Signal, logger *log.Logger) bool {
	switch sig {
	case syscall.SIGHUP:
		logger.Printf("received SIGHUP, reloading configuration")

		yamlConfig, err := os.ReadFile(configPath)
		if err != nil {
			logger.Printf("Warning: reload: can't read configuration file: %v", err)

			return false
		}

		if err := prog.Reload(ctx, yamlConfig); err != nil {
			logger.Printf("Warning: reload failed: %v", err)
		}
	case syscall.SIGUSR1:
		logger.Printf("received SIGUSR1, pausing all device pollers")

		prog.Stop()
		<-prog.Done()
	case syscall.SIGUSR2:
		logger.Printf("received SIGUSR2, resuming all device pollers")

		if err := prog.Start(ctx); err != nil {
			logger.Printf("Warning: resume failed: %v", err)
		}
	case syscall.SIGTERM, syscall.SIGINT:
		logger.Printf("received termination signal, stopping")

		prog.Stop()
		<-prog.Done()
		prog.Close(ctx)
		cancel()

		return true
	}

	return false
}
