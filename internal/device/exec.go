package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// Runner runs an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// expandRegion substitutes {x} {y} {w} {h} in every argument of tmpl.
func expandRegion(tmpl []string, r Region) []string {
	repl := strings.NewReplacer(
		"{x}", strconv.Itoa(r.X),
		"{y}", strconv.Itoa(r.Y),
		"{w}", strconv.Itoa(r.W),
		"{h}", strconv.Itoa(r.H),
	)
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		out[i] = repl.Replace(arg)
	}
	return out
}
