// Package runner launches pipeline subprocesses. Every call carries its
// own explicitly materialized environment; nothing here mutates the
// parent process environment.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// EnvConfig is the environment for one subprocess call.
type EnvConfig struct {
	// Prefix is prepended to every Vars key, the way container runtimes
	// expect injected variables (for example APPTAINERENV_).
	Prefix string
	Vars   map[string]string
}

// Environ builds the full environment slice: the parent environment
// followed by the prefixed vars, so the vars win on collision.
func (c EnvConfig) Environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(c.Vars))
	for k := range c.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, c.Prefix+k+"="+c.Vars[k])
	}
	return env
}

// Expand substitutes {name} tokens in each argument. Unknown tokens are
// left alone so a bad template surfaces in the command line instead of
// vanishing silently.
func Expand(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// Invocation is one fully resolved subprocess call. Args[0] is the
// executable.
type Invocation struct {
	Args []string
	Dir  string
	Env  EnvConfig
}

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes one invocation and reports its exit code. A non-zero
// exit is not an error here; one failing subject must not stop a batch.
// Errors mean the process could not run at all or the context ended.
func (r Runner) Run(ctx context.Context, inv Invocation) (int, error) {
	if len(inv.Args) == 0 {
		return -1, errors.New("runner: empty command")
	}
	cmd := exec.CommandContext(ctx, inv.Args[0], inv.Args[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env.Environ()
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return exitErr.ExitCode(), ctx.Err()
		}
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("runner: start %s: %w", inv.Args[0], err)
}
