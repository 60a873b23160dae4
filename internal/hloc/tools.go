package hloc

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"sfmbatch/internal/logging"
)

// Modules the stages import.
var Modules = []string{"hloc", "pycolmap", "pixsfm"}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// ToolManager checks that the interpreter and its libraries are usable.
type ToolManager struct {
	bridge *Bridge
}

// NewToolManager creates a tool manager for the bridge's interpreter.
func NewToolManager(b *Bridge) *ToolManager {
	return &ToolManager{bridge: b}
}

// CheckInterpreter verifies the interpreter is on PATH and runs.
func (tm *ToolManager) CheckInterpreter(ctx context.Context) ToolStatus {
	path, err := exec.LookPath(tm.bridge.Python)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}
	output, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

type moduleProbe struct {
	Available bool   `json:"available"`
	Version   string `json:"version"`
	Error     string `json:"error"`
}

// Status returns the interpreter status plus one entry per module.
func (tm *ToolManager) Status(ctx context.Context) map[string]ToolStatus {
	status := map[string]ToolStatus{"python": tm.CheckInterpreter(ctx)}
	py := status["python"]

	var probes map[string]moduleProbe
	var probeErr error
	if py.Available {
		probeErr = tm.bridge.Call(ctx, "probe", struct{}{}, &probes)
	} else {
		probeErr = fmt.Errorf("interpreter %s unavailable", tm.bridge.Python)
	}

	for _, mod := range Modules {
		p, ok := probes[mod]
		switch {
		case probeErr != nil:
			status[mod] = ToolStatus{Error: probeErr}
		case !ok:
			status[mod] = ToolStatus{Error: errors.New("not reported by probe")}
		case !p.Available:
			status[mod] = ToolStatus{Error: errors.New(p.Error)}
		default:
			status[mod] = ToolStatus{Available: true, Version: p.Version, Path: py.Path}
		}
	}

	for _, name := range tm.Names() {
		s := status[name]
		logging.LogToolStatus(tm.bridge.logger, name, s.Available, s.Version, s.Path, s.Error)
	}
	return status
}

// Names lists the status keys in display order.
func (tm *ToolManager) Names() []string {
	return append([]string{"python"}, Modules...)
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "version") || strings.HasPrefix(line, "Python ") {
			return line
		}
	}
	if len(lines) > 0 && lines[0] != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
