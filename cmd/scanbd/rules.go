package main

import (
	"context"
	"log"
	"regexp"
)

// compileDeviceRules is the Rule Compiler (spec.md §4.1). It runs while the
// device is open and its option descriptors are available: the global
// section is applied first, then each device section whose filter matches
// deviceName, so device-local rules augment and override global rules in
// processing order.
func compileDeviceRules(
	ctx context.Context, handle DeviceHandle, deviceName string, optionCount int,
	global GlobalYAML, deviceSections []DeviceYAML, logger *log.Logger,
) ([]ActionRule, []FunctionRule) {
	var actions []ActionRule
	var functions []FunctionRule

	actions = applyActionRules(ctx, handle, optionCount, global.Actions, global.MultipleActions, actions, logger)
	functions = applyFunctionRules(ctx, handle, optionCount, global.Functions, functions, logger)

	for _, dev := range deviceSections {
		if dev.Filter == "" {
			continue
		}

		re, err := regexp.Compile(dev.Filter)
		if err != nil {
			logger.Printf("Warning: device section %q: can't compile filter regex %q: %v",
				dev.Title, dev.Filter, err)

			continue
		}

		if !re.MatchString(deviceName) {
			continue
		}

		logger.Printf("device section %q matches %q, applying its actions", dev.Title, deviceName)
		actions = applyActionRules(ctx, handle, optionCount, dev.Actions, global.MultipleActions, actions, logger)
	}

	return actions, functions
}

// applyActionRules matches each action subsection's filter against every
// active, named option in [1, optionCount) and installs a compiled
// [ActionRule] on every match.
func applyActionRules(
	ctx context.Context, handle DeviceHandle, optionCount int,
	sections []ActionYAML, multipleActions bool, actions []ActionRule, logger *log.Logger,
) []ActionRule {
	for _, sec := range sections {
		if sec.Filter == "" {
			continue
		}

		re, err := regexp.Compile(sec.Filter)
		if err != nil {
			logger.Printf("Warning: action %q: can't compile filter regex %q: %v",
				sec.Title, sec.Filter, err)

			continue
		}

		for idx := 1; idx < optionCount; idx++ {
			desc, err := handle.Option(ctx, idx)
			if err != nil {
				logger.Printf("Warning: can't read option descriptor %d: %v", idx, err)

				continue
			}
			if !desc.Active || desc.Name == "" {
				continue
			}
			if !re.MatchString(desc.Name) {
				continue
			}

			rule, ok := buildActionRule(ctx, handle, desc, sec, logger)
			if !ok {
				continue
			}

			actions = installActionRule(actions, rule, multipleActions)
			logger.Printf("installed action rule %q on option %q (index %d)", sec.Title, desc.Name, desc.Index)
		}
	}

	return actions
}

// buildActionRule constructs an [ActionRule] from a matched option and its
// action subsection. It returns ok=false when the trigger's kind doesn't
// match the option's kind, or when a string-trigger regex fails to compile
// (the rule is then discarded, never installed; spec.md §3 invariant).
func buildActionRule(ctx context.Context, handle DeviceHandle, desc OptionDescriptor, sec ActionYAML, logger *log.Logger) (ActionRule, bool) {
	rule := ActionRule{
		OptionIndex: desc.Index,
		Kind:        desc.Kind,
		ScriptPath:  sec.Script,
		ActionTitle: sec.Title,
	}

	switch {
	case sec.StringTrigger != nil:
		if desc.Kind != OptionString {
			return ActionRule{}, false
		}

		fromRe, err := regexp.Compile(sec.StringTrigger.FromValue)
		if err != nil {
			logger.Printf("Warning: action %q: can't compile from-value regex %q: %v",
				sec.Title, sec.StringTrigger.FromValue, err)

			return ActionRule{}, false
		}

		toRe, err := regexp.Compile(sec.StringTrigger.ToValue)
		if err != nil {
			logger.Printf("Warning: action %q: can't compile to-value regex %q: %v",
				sec.Title, sec.StringTrigger.ToValue, err)

			return ActionRule{}, false
		}

		rule.From = OptionValue{Str: sec.StringTrigger.FromValue, Regex: fromRe}
		rule.To = OptionValue{Str: sec.StringTrigger.ToValue, Regex: toRe}
	case sec.NumericalTrigger != nil:
		if !desc.Kind.isNumeric() {
			return ActionRule{}, false
		}

		rule.From = OptionValue{Num: sec.NumericalTrigger.FromValue}
		rule.To = OptionValue{Num: sec.NumericalTrigger.ToValue}
	default:
		return ActionRule{}, false
	}

	current, err := handle.ReadOption(ctx, desc.Index)
	if err != nil {
		logger.Printf("Warning: action %q: can't read initial value for option %q: %v",
			sec.Title, desc.Name, err)

		return ActionRule{}, false
	}
	rule.LastObserved = current

	return rule, true
}

// installActionRule applies the override policy (spec.md §4.1): when
// multiple_actions is false, a later rule on an already-ruled option
// replaces the earlier one; when true, it is appended alongside it.
func installActionRule(actions []ActionRule, rule ActionRule, multipleActions bool) []ActionRule {
	if multipleActions {
		return append(actions, rule)
	}

	for i, existing := range actions {
		if existing.OptionIndex == rule.OptionIndex {
			actions[i] = rule

			return actions
		}
	}

	return append(actions, rule)
}

// applyFunctionRules matches each function subsection's filter against
// every active, named option in [1, optionCount) and installs a
// [FunctionRule] on every match, "later wins" keyed on option index
// regardless of multiple_actions.
func applyFunctionRules(
	ctx context.Context, handle DeviceHandle, optionCount int,
	sections []FunctionYAML, functions []FunctionRule, logger *log.Logger,
) []FunctionRule {
	for _, sec := range sections {
		if sec.Filter == "" {
			continue
		}

		re, err := regexp.Compile(sec.Filter)
		if err != nil {
			logger.Printf("Warning: function %q: can't compile filter regex %q: %v",
				sec.Title, sec.Filter, err)

			continue
		}

		for idx := 1; idx < optionCount; idx++ {
			desc, err := handle.Option(ctx, idx)
			if err != nil {
				continue
			}
			if !desc.Active || desc.Name == "" {
				continue
			}
			if !re.MatchString(desc.Name) {
				continue
			}

			rule := FunctionRule{OptionIndex: desc.Index, EnvVarName: sec.Env}
			functions = installFunctionRule(functions, rule)
			logger.Printf("installed function rule %q on option %q (index %d)", sec.Title, desc.Name, desc.Index)
		}
	}

	return functions
}

// installFunctionRule applies the "later wins" single-slot override policy
// keyed on option index.
func installFunctionRule(functions []FunctionRule, rule FunctionRule) []FunctionRule {
	for i, existing := range functions {
		if existing.OptionIndex == rule.OptionIndex {
			functions[i] = rule

			return functions
		}
	}

	return append(functions, rule)
}
