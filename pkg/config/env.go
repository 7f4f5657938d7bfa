package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/nullrunner/mcpmux/pkg/spec"
)

// envTokenRE matches §6's "${NAME}" substitution tokens.
var envTokenRE = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv rewrites every string-bearing field of s in place,
// replacing "${NAME}" tokens with values from the process environment,
// filtered by s.EnvFilter when set and respecting s.InheritsParentEnv
// (§6: "filtered by envFilter[] (default: inherit parent env unless
// inheritParentEnv=false)").
func substituteEnv(s *spec.ServerSpec) {
	env := sourceEnv(s)
	if len(env) == 0 {
		return
	}

	subst := func(in string) string {
		return envTokenRE.ReplaceAllStringFunc(in, func(tok string) string {
			name := envTokenRE.FindStringSubmatch(tok)[1]
			if v, ok := env[name]; ok {
				return v
			}
			return tok
		})
	}

	s.Command = subst(s.Command)
	s.Cwd = subst(s.Cwd)
	s.URL = subst(s.URL)
	for i, a := range s.Args {
		s.Args[i] = subst(a)
	}
	for k, v := range s.Env {
		s.Env[k] = subst(v)
	}
	for k, v := range s.Headers {
		s.Headers[k] = subst(v)
	}
}

// sourceEnv builds the environment map substitution tokens resolve
// against: the full process environment unless inheritParentEnv is false,
// narrowed to envFilter's allow-list when one is given.
func sourceEnv(s *spec.ServerSpec) map[string]string {
	if !s.InheritsParentEnv() {
		return nil
	}

	env := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		name, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[name] = val
	}

	if len(s.EnvFilter) == 0 {
		return env
	}
	allow := make(map[string]struct{}, len(s.EnvFilter))
	for _, name := range s.EnvFilter {
		allow[name] = struct{}{}
	}
	filtered := make(map[string]string, len(allow))
	for name, val := range env {
		if _, ok := allow[name]; ok {
			filtered[name] = val
		}
	}
	return filtered
}
