package monitor

import (
	"context"
	"errors"
	"testing"
)

func TestNormalizeProcessName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Game.exe", "game"},
		{"/opt/game/Game", "game"},
		{"  game.EXE ", "game"},
		{"launcher", "launcher"},
	}
	for _, tt := range tests {
		if got := normalizeProcessName(tt.input); got != tt.want {
			t.Errorf("normalizeProcessName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestProcessProbeReportsExitOnce(t *testing.T) {
	var names []string
	p := NewProcessProbe("Game.exe")
	p.list = func(context.Context) ([]string, error) { return names, nil }
	ctx := context.Background()

	steps := []struct {
		names      []string
		wantExited bool
	}{
		{[]string{"bash"}, false},             // never started
		{[]string{"bash", "Game.exe"}, false}, // started
		{[]string{"Game.exe"}, false},         // still running
		{[]string{"bash"}, true},              // exited
		{[]string{"bash"}, false},             // still gone
	}
	for i, s := range steps {
		names = s.names
		exited, err := p.Check(ctx)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if exited != s.wantExited {
			t.Errorf("step %d: exited = %v, want %v", i, exited, s.wantExited)
		}
	}
}

func TestProcessProbeListError(t *testing.T) {
	p := NewProcessProbe("game")
	p.list = func(context.Context) ([]string, error) { return nil, errors.New("no /proc") }
	if _, err := p.Check(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestListProcessNamesIncludesSelf(t *testing.T) {
	names, err := ListProcessNames(context.Background())
	if err != nil {
		t.Skipf("process table unavailable: %v", err)
	}
	if len(names) == 0 {
		t.Error("expected at least one process")
	}
}
