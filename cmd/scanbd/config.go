package main

import (
	"time"
)

// ConfigYAML represents the YAML configuration structure (spec.md §6).
type ConfigYAML struct {
	DisableTimestamps bool         `yaml:"disable_timestamps"`
	Global            GlobalYAML   `yaml:"global"`
	Devices           []DeviceYAML `yaml:"devices"`
}

// GlobalYAML represents the `global { }` configuration section.
type GlobalYAML struct {
	Debug           bool             `yaml:"debug"`
	DebugLevel      int              `yaml:"debug_level"`
	User            string           `yaml:"user"`
	Group           string           `yaml:"group"`
	Saned           string           `yaml:"saned"`
	SanedOpts       []string         `yaml:"saned_opts"`
	Timeout         *int             `yaml:"timeout"` // milliseconds, per spec.md §6
	Pidfile         string           `yaml:"pidfile"`
	MultipleActions bool             `yaml:"multiple_actions"`
	ScriptDir       string           `yaml:"script_dir"`
	BridgeCommand   string           `yaml:"bridge_command"`
	MetricsAddr     string           `yaml:"metrics_addr"`
	Environment     EnvironmentYAML  `yaml:"environment"`
	Functions       []FunctionYAML   `yaml:"function"`
	Actions         []ActionYAML     `yaml:"action"`
}

// EnvironmentYAML names the environment variables carrying the triggering
// device's name and the triggering action's title (spec.md §4.3).
type EnvironmentYAML struct {
	Device string `yaml:"device"`
	Action string `yaml:"action"`
}

// FunctionYAML represents a `function "<title>" { }` configuration section.
type FunctionYAML struct {
	Title  string `yaml:"title"`
	Filter string `yaml:"filter"`
	Desc   string `yaml:"desc"`
	Env    string `yaml:"env"`
}

// NumericalTriggerYAML is a `numerical-trigger { }` configuration section.
type NumericalTriggerYAML struct {
	FromValue uint64 `yaml:"from_value"`
	ToValue   uint64 `yaml:"to_value"`
}

// StringTriggerYAML is a `string-trigger { }` configuration section.
type StringTriggerYAML struct {
	FromValue string `yaml:"from_value"`
	ToValue   string `yaml:"to_value"`
}

// ActionYAML represents an `action "<title>" { }` configuration section.
type ActionYAML struct {
	Title            string                 `yaml:"title"`
	Filter           string                 `yaml:"filter"`
	Desc             string                 `yaml:"desc"`
	Script           string                 `yaml:"script"`
	NumericalTrigger *NumericalTriggerYAML  `yaml:"numerical_trigger,omitempty"`
	StringTrigger    *StringTriggerYAML     `yaml:"string_trigger,omitempty"`
}

// DeviceYAML represents a `device "<title>" { }` configuration section.
type DeviceYAML struct {
	Title   string       `yaml:"title"`
	Filter  string       `yaml:"filter"`
	Desc    string       `yaml:"desc"`
	Actions []ActionYAML `yaml:"action"`
}

// defaultBridgeCommand is used when no bridge_command is configured.
const defaultBridgeCommand = "scanbd-device-bridge"

// defaultScriptDir is used when no script_dir is configured.
const defaultScriptDir = "/etc/scanbd/scripts"

// defaultPollTimeoutMillis is the poll interval/dispatch settle time (milliseconds)
// substituted when global.timeout is unset or non-positive (spec.md §4.2).
const defaultPollTimeoutMillis = 200

// effectiveTimeout returns the configured polling timeout, substituting the
// built-in default when unset or non-positive (spec.md §4.2 step 5).
func (g GlobalYAML) effectiveTimeout() time.Duration {
	if g.Timeout == nil || *g.Timeout <= 0 {
		return defaultPollTimeoutMillis * time.Millisecond
	}

	return time.Duration(*g.Timeout) * time.Millisecond
}

// effectiveBridgeCommand returns the configured bridge command, substituting
// the built-in default when unset.
func (g GlobalYAML) effectiveBridgeCommand() string {
	if g.BridgeCommand == "" {
		return defaultBridgeCommand
	}

	return g.BridgeCommand
}

// effectiveScriptDir returns the configured script directory, substituting
// the built-in default when unset.
func (g GlobalYAML) effectiveScriptDir() string {
	if g.ScriptDir == "" {
		return defaultScriptDir
	}

	return g.ScriptDir
}
