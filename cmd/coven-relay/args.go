// ABOUTME: Minimal flag parsing for coven-relay subcommands
// ABOUTME: Accepts --name value and --name=value, repeatable value flags and bare boolean flags

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type flagSet struct {
	values map[string][]string
	bools  map[string]bool
}

// parseFlags parses args against the named value and boolean flags. Positional
// arguments are rejected.
func parseFlags(args []string, valueNames, boolNames []string) (*flagSet, error) {
	fs := &flagSet{values: map[string][]string{}, bools: map[string]bool{}}
	isValue := make(map[string]bool, len(valueNames))
	for _, n := range valueNames {
		isValue[n] = true
	}
	isBool := make(map[string]bool, len(boolNames))
	for _, n := range boolNames {
		isBool[n] = true
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")

		switch {
		case isBool[name]:
			if hasValue {
				b, err := strconv.ParseBool(value)
				if err != nil {
					return nil, fmt.Errorf("--%s: %w", name, err)
				}
				fs.bools[name] = b
			} else {
				fs.bools[name] = true
			}
		case isValue[name]:
			if !hasValue {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("--%s requires a value", name)
				}
				value = args[i+1]
				i++
			}
			fs.values[name] = append(fs.values[name], value)
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}
	return fs, nil
}

// value returns the last value given for name.
func (f *flagSet) value(name string) string {
	v := f.values[name]
	if len(v) == 0 {
		return ""
	}
	return v[len(v)-1]
}

func (f *flagSet) all(name string) []string {
	return f.values[name]
}

func (f *flagSet) bool(name string) bool {
	return f.bools[name]
}

func (f *flagSet) required(name string) (string, error) {
	v := strings.TrimSpace(f.value(name))
	if v == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

// int64 returns the flag as a non-negative integer, or def when absent.
func (f *flagSet) int64(name string, def int64) (int64, error) {
	v := f.value(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("--%s must be a non-negative integer, got %q", name, v)
	}
	return n, nil
}

func (f *flagSet) duration(name string, def time.Duration) (time.Duration, error) {
	v := f.value(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("--%s must be a positive duration, got %q", name, v)
	}
	return d, nil
}
