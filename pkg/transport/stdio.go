package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/shlex"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nullrunner/mcpmux/pkg/spec"
)

// stdioAdapter spawns a child process and frames JSON-RPC lines over its
// stdin/stdout, grounded on the teacher's own stdio server-side handling in
// pkg/gateway/transport.go (startStdioServer), generalized to the client
// side since we are the one spawning the upstream here.
type stdioAdapter struct {
	spec *spec.ServerSpec
	cmd  *exec.Cmd
}

func newStdioAdapter(s *spec.ServerSpec) (Adapter, error) {
	return &stdioAdapter{spec: s}, nil
}

func (a *stdioAdapter) resolveArgv() (string, []string, error) {
	if len(a.spec.Args) > 0 {
		return a.spec.Command, a.spec.Args, nil
	}
	// No explicit args[]: the command string may itself contain a full
	// command line ("npx -y some-server"), so split it shell-style.
	parts, err := shlex.Split(a.spec.Command)
	if err != nil || len(parts) == 0 {
		return "", nil, fmt.Errorf("splitting stdio command %q: %w", a.spec.Command, err)
	}
	return parts[0], parts[1:], nil
}

func (a *stdioAdapter) resolveEnv() []string {
	var env []string
	if a.spec.InheritsParentEnv() {
		if len(a.spec.EnvFilter) == 0 {
			env = append(env, os.Environ()...)
		} else {
			allowed := make(map[string]struct{}, len(a.spec.EnvFilter))
			for _, k := range a.spec.EnvFilter {
				allowed[k] = struct{}{}
			}
			for _, kv := range os.Environ() {
				for k := range allowed {
					if len(kv) > len(k) && kv[:len(k)+1] == k+"=" {
						env = append(env, kv)
						break
					}
				}
			}
		}
	}
	for k, v := range a.spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func (a *stdioAdapter) Connect(ctx context.Context, client *gomcp.Client) (*gomcp.ClientSession, error) {
	bin, args, err := a.resolveArgv()
	if err != nil {
		return nil, spec.NewError(spec.ErrTransportError, "resolving stdio command", err)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = a.resolveEnv()
	if a.spec.Cwd != "" {
		cmd.Dir = a.spec.Cwd
	}
	a.cmd = cmd

	sess, err := client.Connect(ctx, &gomcp.CommandTransport{Command: cmd})
	if err != nil {
		return nil, spec.NewError(spec.ErrTransportError, "connecting stdio transport", err)
	}
	return sess, nil
}

func (a *stdioAdapter) Close() error {
	if a.cmd != nil && a.cmd.Process != nil {
		return a.cmd.Process.Kill()
	}
	return nil
}
