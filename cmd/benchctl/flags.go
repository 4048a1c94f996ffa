package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/sourceplane/benchctl/internal/assemble"
)

// extractOverrides splits unknown --X Y (or --X=Y) pairs out of the run
// arguments; they become dotted-path configuration overrides. Declared
// flags and their values pass through untouched.
func extractOverrides(args []string, flagSets ...*pflag.FlagSet) ([]string, []assemble.Override) {
	lookup := func(name string) *pflag.Flag {
		for _, fs := range flagSets {
			if f := fs.Lookup(name); f != nil {
				return f
			}
		}
		return nil
	}

	var rest []string
	var overrides []assemble.Override
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			rest = append(rest, args[i:]...)
			break
		}
		if !strings.HasPrefix(arg, "--") {
			rest = append(rest, arg)
			continue
		}

		name, inlineValue, hasInline := strings.Cut(arg[2:], "=")
		if flag := lookup(name); flag != nil {
			rest = append(rest, arg)
			if !hasInline && flag.NoOptDefVal == "" && i+1 < len(args) {
				i++
				rest = append(rest, args[i])
			}
			continue
		}

		value := inlineValue
		if !hasInline {
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				i++
				value = args[i]
			}
		}
		overrides = append(overrides, assemble.Override{Path: name, Value: value})
	}
	return rest, overrides
}

// parseSpan parses a HH:MM:SS wall-clock span. An empty value means no
// span.
func parseSpan(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid span %q: expected HH:MM:SS", s)
	}
	values := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid span %q: expected HH:MM:SS", s)
		}
		values[i] = v
	}
	return time.Duration(values[0])*time.Hour +
		time.Duration(values[1])*time.Minute +
		time.Duration(values[2])*time.Second, nil
}

// parseVariables parses repeated K=V flags into template variables;
// integer-looking values become integers.
func parseVariables(flags []string) (map[string]interface{}, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(flags))
	for _, kv := range flags {
		k, v, found := strings.Cut(kv, "=")
		if !found || k == "" {
			return nil, fmt.Errorf("invalid variable %q: expected K=V", kv)
		}
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
		} else {
			out[k] = v
		}
	}
	return out, nil
}

// parseKeyValues parses repeated K=V flags into a string map.
func parseKeyValues(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(flags))
	for _, kv := range flags {
		k, v, found := strings.Cut(kv, "=")
		if !found || k == "" {
			return nil, fmt.Errorf("invalid property %q: expected K=V", kv)
		}
		out[k] = v
	}
	return out, nil
}

// resolveEnvIndirection replaces a value naming a defined, non-empty
// environment variable with that variable's content.
func resolveEnvIndirection(value string) string {
	if env, ok := os.LookupEnv(value); ok && env != "" {
		return env
	}
	return value
}
