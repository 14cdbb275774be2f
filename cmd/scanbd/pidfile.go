package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// writePidfile writes the current process's pid to path, truncating any
// existing file. It mirrors the original scanbd.c main()'s pidfile
// handling (spec.md §6's `pidfile` field), minus the chown-to-unprivileged-
// user dance: this daemon never changes its own uid/gid in-process (see
// dispatch.go's runScript comment), so the pidfile is simply owned by
// whichever identity the daemon itself runs under.
func writePidfile(fsys afero.Fs, path string) error {
	if err := afero.WriteFile(fsys, path, fmt.Appendf(nil, "%d\n", os.Getpid()), 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("write pidfile %q: %w", path, err)
	}

	return nil
}

// removePidfile best-effort removes the pidfile at path; the original's
// sig_term_handler treats a failed unlink as a logged warning, never fatal.
func removePidfile(fsys afero.Fs, path string) error {
	if err := fsys.Remove(path); err != nil {
		return fmt.Errorf("remove pidfile %q: %w", path, err)
	}

	return nil
}

// readPidfile reads back a pid previously written by another daemon
// instance's [writePidfile], used by manager mode's signal-mode path
// (spec.md §6, original scanbd.c's manager-mode SIGUSR1/SIGUSR2 dance).
func readPidfile(fsys afero.Fs, path string) (int, error) {
	b, err := afero.ReadFile(fsys, path)
	if err != nil {
		return 0, fmt.Errorf("read pidfile %q: %w", path, err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(b), "%d", &pid); err != nil {
		return 0, fmt.Errorf("parse pid from %q: %w", path, err)
	}

	return pid, nil
}
