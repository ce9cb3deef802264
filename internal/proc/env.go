package proc

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvOptions describes how a child environment is assembled.
type EnvOptions struct {
	// Inherit is a list of glob patterns for parent env var names to pass
	// through. Empty inherits everything; ["none"] inherits nothing.
	Inherit []string
	// Extra is merged on top; values may reference parent vars as ${VAR}.
	Extra map[string]string
	// Fixed entries (KEY=VALUE) are always set and win over Extra.
	Fixed []string
}

// BuildEnv constructs the environment for a spawned process in three
// layers:
//  1. Base: inherited from the parent process, filtered by Inherit
//  2. Extra vars with ${VAR} expansion from the parent env
//  3. Fixed vars injected by the backend
func BuildEnv(o EnvOptions) []string {
	parentEnv := os.Environ()
	parentMap := make(map[string]string, len(parentEnv))
	for _, e := range parentEnv {
		if k, v, ok := strings.Cut(e, "="); ok {
			parentMap[k] = v
		}
	}

	var base []string
	if len(o.Inherit) == 1 && strings.ToLower(o.Inherit[0]) == "none" {
		base = nil
	} else if len(o.Inherit) > 0 {
		for _, e := range parentEnv {
			k, _, ok := strings.Cut(e, "=")
			if !ok {
				continue
			}
			for _, pattern := range o.Inherit {
				if matchEnvGlob(pattern, k) {
					base = append(base, e)
					break
				}
			}
		}
	} else {
		base = append([]string(nil), parentEnv...)
	}

	for k, v := range o.Extra {
		expanded := os.Expand(v, func(key string) string {
			return parentMap[key]
		})
		base = setEnvVar(base, k, expanded)
	}

	for _, e := range o.Fixed {
		if k, v, ok := strings.Cut(e, "="); ok {
			base = setEnvVar(base, k, v)
		}
	}
	return base
}

// setEnvVar sets or replaces an env var in a []string env slice.
func setEnvVar(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// matchEnvGlob matches an env var name against a glob pattern.
// Supports * (match any chars) and ? (match single char).
func matchEnvGlob(pattern, name string) bool {
	matched, _ := filepath.Match(pattern, name)
	return matched
}

// ExpandArgs replaces {key} placeholders in every argument.
func ExpandArgs(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	replacer := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = replacer.Replace(a)
	}
	return out
}
