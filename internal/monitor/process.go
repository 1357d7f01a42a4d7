package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ListProcessNames returns the executable names of all running processes.
func ListProcessNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// ProcessProbe watches for the game client process. When it was seen
// running and then disappears, the client stopped writing events and any
// co-presence it reported is stale.
type ProcessProbe struct {
	target  string
	list    func(context.Context) ([]string, error)
	running bool
	seen    bool
}

// NewProcessProbe matches processes named target (case-insensitive, with
// or without a .exe suffix).
func NewProcessProbe(target string) *ProcessProbe {
	return &ProcessProbe{target: normalizeProcessName(target), list: ListProcessNames}
}

// Check samples the process table and reports whether the client exited
// since the previous check.
func (p *ProcessProbe) Check(ctx context.Context) (exited bool, err error) {
	names, err := p.list(ctx)
	if err != nil {
		return false, err
	}
	running := false
	for _, n := range names {
		if normalizeProcessName(n) == p.target {
			running = true
			break
		}
	}
	exited = p.seen && p.running && !running
	p.running = running
	p.seen = true
	return exited, nil
}

// Running reports the result of the last Check.
func (p *ProcessProbe) Running() bool {
	return p.running
}

func normalizeProcessName(name string) string {
	name = strings.ToLower(filepath.Base(strings.TrimSpace(name)))
	return strings.TrimSuffix(name, ".exe")
}
