// Package instrument adapts an external coverage instrumenter. The proxy
// treats instrumentation as a source-to-source transform it does not own.
package instrument

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/remote-test-proxy/backend/internal/buffer"
)

// OptionsEnv is the environment variable that carries the transform options
// to a Command instrumenter as JSON.
const OptionsEnv = "TESTPROXY_INSTRUMENT_OPTIONS"

// stderrLimit bounds how much instrumenter output ends up in an error.
const stderrLimit = 4096

// Instrumenter transforms source code loaded from path.
type Instrumenter interface {
	Instrument(ctx context.Context, source []byte, path string, options map[string]any) ([]byte, error)
}

// Func adapts a function to the Instrumenter interface.
type Func func(ctx context.Context, source []byte, path string, options map[string]any) ([]byte, error)

// Instrument calls f.
func (f Func) Instrument(ctx context.Context, source []byte, path string, options map[string]any) ([]byte, error) {
	return f(ctx, source, path, options)
}

// Command runs an external program per file. The source is written to its
// stdin, the absolute path is appended as the last argument and the
// instrumented source is read from stdout.
type Command struct {
	args []string
}

// NewCommand creates a Command instrumenter from argv.
func NewCommand(args []string) (*Command, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return nil, errors.New("instrumenter command is empty")
	}
	return &Command{args: append([]string(nil), args...)}, nil
}

// Instrument runs the command for one file.
func (c *Command) Instrument(ctx context.Context, source []byte, path string, options map[string]any) ([]byte, error) {
	opts, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("failed to encode instrumenter options: %w", err)
	}

	args := append(append([]string(nil), c.args[1:]...), path)
	cmd := exec.CommandContext(ctx, c.args[0], args...)
	cmd.Stdin = bytes.NewReader(source)
	cmd.Env = append(os.Environ(), OptionsEnv+"="+string(opts))

	var stdout bytes.Buffer
	stderr := buffer.NewTail(stderrLimit)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s %s: %w: %s", c.args[0], path, err, msg)
		}
		return nil, fmt.Errorf("%s %s: %w", c.args[0], path, err)
	}

	return stdout.Bytes(), nil
}
