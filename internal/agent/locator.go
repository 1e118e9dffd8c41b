package agent

import (
	"context"
	"fmt"
	"os/exec"
)

// Command is a resolved agent invocation.
type Command struct {
	Path string
	Args []string
	// Env, when non-nil, replaces the inherited environment.
	Env []string
	Dir string
}

// Locator finds the agent executable. The Supervisor treats the result as opaque.
type Locator interface {
	Resolve(ctx context.Context) (Command, error)
}

// ConfigLocator resolves a configured command name through PATH.
type ConfigLocator struct {
	Command string
	Args    []string
	Dir     string
}

func (l ConfigLocator) Resolve(context.Context) (Command, error) {
	if l.Command == "" {
		return Command{}, &Error{Kind: KindNotFound, Message: "no agent command configured"}
	}
	path, err := exec.LookPath(l.Command)
	if err != nil {
		return Command{}, &Error{
			Kind:    KindNotFound,
			Message: fmt.Sprintf("agent executable %q not found; install it or set agent.command", l.Command),
			Err:     err,
		}
	}
	return Command{Path: path, Args: append([]string(nil), l.Args...), Dir: l.Dir}, nil
}

// StaticLocator always returns the same command.
type StaticLocator Command

func (l StaticLocator) Resolve(context.Context) (Command, error) {
	return Command(l), nil
}
