package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// executableModeMask is checked against a resolved script's file mode before
// it is handed to exec; matches the teacher's own notify.go check.
const executableModeMask = 0o111

// dispatch is the Dispatcher (spec.md §4.3). It assembles the action's
// environment, emits the bus signals bracketing the action, closes the
// device for the duration of any script, runs the script with dropped
// privileges, settles, then reacquires the device local lock and reopens
// the device itself (spec.md §4.3 step 7) rather than leaving it to the
// poll loop's next-pass reopen: a later ActionRule sampled later in the
// same pass needs the handle back immediately, not after a full extra
// poll interval.
func (p *Poller) dispatch(ctx context.Context, rule ActionRule, sampled map[int]OptionValue, timeout time.Duration) {
	start := time.Now()
	defer func() {
		p.metrics.ObserveDispatch(p.identity.Name, time.Since(start).Seconds())
	}()

	env := p.buildEnvironment(ctx, rule, sampled)

	if err := p.bus.ScanBegin(p.identity.Name); err != nil {
		p.logger.Printf("bus scan_begin signal failed for %q: %v", p.identity.Name, err)
	}

	if err := p.bus.Trigger(p.identity.Name, rule.ActionTitle, env); err != nil {
		p.logger.Printf("bus trigger signal failed for %q: %v", p.identity.Name, err)
	}

	p.closeHandle()

	if !rule.isNoop() {
		rule.ScriptPath = p.resolveScriptPath(rule.ScriptPath)

		if !sleepOrDone(ctx, timeout) {
			return
		}

		p.runScript(ctx, rule, env)
	}

	if !sleepOrDone(ctx, timeout) {
		return
	}

	p.localMu.Lock()
	p.triggered = false
	p.triggeredIndex = -1
	p.cond.Broadcast()
	p.localMu.Unlock()

	if err := p.bus.ScanEnd(p.identity.Name); err != nil {
		p.logger.Printf("bus scan_end signal failed for %q: %v", p.identity.Name, err)
	}

	p.reopenAfterDispatch(ctx)
}

// reopenAfterDispatch reopens the device this dispatch closed (spec.md §4.3
// step 7). Access-denied means another process now holds the device
// (spec.md §8 scenario 6), so the poller exits; other open failures are
// logged and left for run()'s next-pass reopen-on-demand check.
func (p *Poller) reopenAfterDispatch(ctx context.Context) {
	if err := p.reopen(ctx); err != nil {
		if errors.Is(err, errAccessDenied) {
			p.logger.Printf("device %q access denied on reopen after dispatch, stopping poller", p.identity.Name)
			p.metrics.IncPollerStopped(p.identity.Name, "access-denied")
			p.Stop()

			return
		}

		p.logger.Printf("can't reopen device %q after dispatch, will retry: %v", p.identity.Name, err)
	}
}

// sleepOrDone sleeps for d unless ctx is canceled first, in which case it
// returns false.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// buildEnvironment assembles the child environment in the order the original
// scanbd used: function-rule values first (reusing this pass's already
// sampled reads when the option index coincides with an action rule), then
// PATH/PWD/USER/HOME, then the configured device/action name variables, for
// at most len(functions)+6 entries (spec.md §4.3): a function whose option
// can't be read, and a device/action variable whose name isn't configured,
// are left out.
func (p *Poller) buildEnvironment(ctx context.Context, rule ActionRule, sampled map[int]OptionValue) []string {
	env := make([]string, 0, len(p.functions)+6)

	for _, fn := range p.functions {
		val, ok := sampled[fn.OptionIndex]
		if !ok {
			p.localMu.Lock()
			handle := p.handle
			p.localMu.Unlock()

			if handle == nil {
				p.logger.Printf("function option %d on %q unavailable (device closed), omitting from environment",
					fn.OptionIndex, p.identity.Name)

				continue
			}

			var err error

			val, err = handle.ReadOption(ctx, fn.OptionIndex)
			if err != nil {
				p.logger.Printf("can't read function option %d on %q: %v", fn.OptionIndex, p.identity.Name, err)

				continue
			}
		}

		env = append(env, fn.EnvVarName+"="+formatOptionValue(val))
	}

	env = append(env,
		"PATH="+fne(os.Getenv("PATH"), "/usr/bin:/bin"),
		"PWD="+fne(os.Getenv("PWD"), "/"),
		"USER="+fne(os.Getenv("USER"), "root"),
		"HOME="+fne(os.Getenv("HOME"), "/root"),
	)

	if p.global.Environment.Device != "" {
		env = append(env, p.global.Environment.Device+"="+p.identity.Name)
	}

	if p.global.Environment.Action != "" {
		env = append(env, p.global.Environment.Action+"="+rule.ActionTitle)
	}

	return env
}

// formatOptionValue renders an [OptionValue] the way it would appear as an
// environment variable's value.
func formatOptionValue(v OptionValue) string {
	if v.Str != "" {
		return v.Str
	}

	return fmt.Sprintf("%d", v.Num)
}

// resolveScriptPath absolutizes rule's script path against the configured
// script directory (spec.md §4.3 step 5), the way the original scanbd
// resolved a relative script name against script_dir before exec. It then
// stats the resolved path and logs (but does not fail on) a missing file
// or a file lacking any executable bit, so a misconfigured script is
// diagnosable without aborting the dispatch (spec.md §7: script-exec-failed
// is logged, never fatal to the poller).
func (p *Poller) resolveScriptPath(scriptPath string) string {
	abs := scriptPath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.scriptDir, abs)
	}

	info, err := p.fsys.Stat(abs)
	if err != nil {
		p.logger.Printf("Warning: script %q: %v", abs, err)

		return abs
	}

	if info.Mode()&executableModeMask == 0 {
		p.logger.Printf("Warning: script %q is not marked executable", abs)
	}

	return abs
}

// runScript executes rule's script with the assembled environment.
//
// The original scanbd forks, re-elevates the child to root, then drops to
// the configured user/group before exec. That dance exists only because its
// main process had already permanently dropped its own privileges for
// day-to-day operation. A Go process can't safely repeat that in-process:
// the runtime schedules goroutines across multiple OS threads, and
// syscall.Setuid only affects the calling thread, not the process as a
// whole. cmd.SysProcAttr.Credential sidesteps this entirely by asking the
// kernel to set the child's credentials atomically as part of the clone+exec
// that creates it, so this daemon never needs to touch its own privileges.
func (p *Poller) runScript(ctx context.Context, rule ActionRule, env []string) {
	cmd := exec.CommandContext(ctx, rule.ScriptPath)
	cmd.Env = env
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if p.hasPrivDrop {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uint32(p.uid), Gid: uint32(p.gid)}, //nolint:gosec
		}
	}

	p.metrics.IncScriptRun(p.identity.Name)

	if err := cmd.Run(); err != nil {
		p.metrics.IncScriptFailure(p.identity.Name)
		p.logger.Printf("script %q for action %q on %q failed: %v: stdout=[%s] stderr=[%s]",
			rule.ScriptPath, rule.ActionTitle, p.identity.Name, err, stdout.String(), stderr.String())

		return
	}

	p.logger.Printf("script %q for action %q on %q completed", rule.ScriptPath, rule.ActionTitle, p.identity.Name)
}
