package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

// runManager is manager mode (spec.md §1, §6): a thin front-end that
// quiesces a separately-running scanbd's device polling, runs the
// configured scanner-server executable (saned) to completion, then
// resumes polling, so that only one process ever holds a device at a
// time. It is out of the core's tested scope (spec.md §1) but is
// implemented here so the binary is feature-complete the way the
// original scanbd's managerMode branch is (original_source/scanbd.c).
//
// signalMode selects between the original's two coordination strategies:
// SIGUSR1/SIGUSR2 sent to a pid read from the running daemon's pidfile, or
// a pair of bus method calls (Acquire/Release) against a running daemon.
func runManager(ctx context.Context, global GlobalYAML, bus Bus, fsys afero.Fs, signalMode bool, logger *log.Logger) error {
	if global.Saned == "" {
		return fmt.Errorf("%w: no saned executable configured", errInvalidArgument)
	}

	var scanbdPID int

	if signalMode {
		pid, err := readPidfile(fsys, global.Pidfile)
		if err != nil {
			logger.Printf("Warning: can't read running scanbd's pidfile: %v", err)
		} else {
			scanbdPID = pid

			logger.Printf("manager mode: signal, sending SIGUSR1 to pid %d", scanbdPID)

			if err := syscall.Kill(scanbdPID, syscall.SIGUSR1); err != nil {
				logger.Printf("Warning: can't signal pid %d: %v", scanbdPID, err)
			}
		}

		time.Sleep(time.Second)
	} else {
		logger.Printf("manager mode: bus, calling Acquire")

		if err := bus.Acquire(); err != nil {
			return fmt.Errorf("acquire: %w", err)
		}
	}

	status, err := runSaned(ctx, global)

	if signalMode {
		time.Sleep(time.Second)

		if scanbdPID > 0 {
			logger.Printf("manager mode: signal, sending SIGUSR2 to pid %d", scanbdPID)

			if killErr := syscall.Kill(scanbdPID, syscall.SIGUSR2); killErr != nil {
				logger.Printf("Warning: can't signal pid %d: %v", scanbdPID, killErr)
			}
		}
	} else {
		logger.Printf("manager mode: bus, calling Release")

		if releaseErr := bus.Release(); releaseErr != nil {
			logger.Printf("Warning: release: %v", releaseErr)
		}
	}

	if err != nil {
		return fmt.Errorf("run saned: %w", err)
	}

	logger.Printf("saned exited with status %d", status)

	return nil
}

// runSaned forks and waits for the configured scanner-server executable,
// the way scanbd.c's managerMode branch forks and waitpid()s for saned.
func runSaned(ctx context.Context, global GlobalYAML) (int, error) {
	cmd := exec.CommandContext(ctx, global.Saned, global.SanedOpts...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	return 0, fmt.Errorf("%w: stdout=[%s] stderr=[%s]", err, stdout.String(), stderr.String())
}
