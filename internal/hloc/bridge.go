// Package hloc drives the Python feature, matching and refinement libraries
// through a small embedded program run by the configured interpreter.
package hloc

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

//go:embed bridge.py
var program string

const stderrTailLines = 20

// BridgeError reports a stage whose interpreter exited unsuccessfully.
type BridgeError struct {
	Stage    string
	ExitCode int
	Stderr   string // last lines of the interpreter's stderr
}

func (e *BridgeError) Error() string {
	msg := fmt.Sprintf("python stage %s exited with status %d", e.Stage, e.ExitCode)
	if last := lastLine(e.Stderr); last != "" {
		msg += ": " + last
	}
	return msg
}

// Bridge runs stages of the embedded program. Requests go in as JSON on
// stdin and replies come back as JSON on stdout; library output is on stderr.
type Bridge struct {
	Python string
	logger *slog.Logger
}

// NewBridge returns a bridge using the given interpreter.
func NewBridge(python string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{Python: python, logger: logger}
}

// Call runs one stage. reply may be nil when the stage output is not needed.
func (b *Bridge) Call(ctx context.Context, stage string, req, reply any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", stage, err)
	}

	cmd := exec.CommandContext(ctx, b.Python, "-c", program, stage)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	b.logger.Debug("starting python stage", "stage", stage, "python", b.Python)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", b.Python, err)
	}

	tail := b.forward(stage, stderr)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return fmt.Errorf("stage %s: %w", stage, ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &BridgeError{Stage: stage, ExitCode: exitErr.ExitCode(), Stderr: strings.Join(tail, "\n")}
		}
		return fmt.Errorf("stage %s: %w", stage, waitErr)
	}

	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", stage, err)
	}
	return nil
}

// forward logs stderr line by line and keeps the last few lines.
func (b *Bridge) forward(stage string, r io.Reader) []string {
	var tail []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		b.logger.Info(line, "stage", stage, "source", "python")
		tail = append(tail, line)
		if len(tail) > stderrTailLines {
			tail = tail[1:]
		}
	}
	// drain whatever the scanner refused so the child never blocks
	_, _ = io.Copy(io.Discard, r)
	return tail
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
