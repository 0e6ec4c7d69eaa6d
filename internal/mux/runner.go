package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner abstracts subprocess execution so backends can be tested with a
// fake. Run returns trimmed stdout; a non-zero exit is returned as an error
// carrying stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimRight(stdout.String(), "\n")
	if err == nil {
		return out, nil
	}

	// Binary missing or timeout both mean the multiplexer is unreachable.
	if errors.Is(err, exec.ErrNotFound) || ctx.Err() != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = err.Error()
	}
	return out, fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
}
