package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"kitebridge/config"
)

// ExecLauncher starts the bridge binary as a child process with the bot's
// STRATEGY_TAG and PORT added to the inherited environment.
type ExecLauncher struct {
	Binary string
	Args   []string
	// Env overrides the inherited environment when non-nil.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

func (l ExecLauncher) Launch(_ context.Context, bot config.Bot) (Process, error) {
	// not exec.CommandContext: shutdown signals are sent by the orchestrator
	cmd := exec.Command(l.Binary, l.Args...)
	env := l.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env[:len(env):len(env)],
		"STRATEGY_TAG="+bot.StrategyTag,
		"PORT="+strconv.Itoa(bot.Port),
	)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Binary, err)
	}
	return execProcess{cmd}, nil
}

type execProcess struct{ cmd *exec.Cmd }

func (p execProcess) Wait() error                { return p.cmd.Wait() }
func (p execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p execProcess) Kill() error                { return p.cmd.Process.Kill() }
func (p execProcess) Pid() int                   { return p.cmd.Process.Pid }
