// Package monitor polls the event sources feeding the tracking core: the
// client event stream, the relationship diff stream and the game client
// process itself.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/groupwatch/backend/internal/event"
)

const defaultHealthThreshold = 3

type Options struct {
	PollInterval time.Duration
	// HealthThreshold is the consecutive failure count at which a source is
	// reported failed (read errors) or degraded (decode errors).
	HealthThreshold int
	// OffsetsPath persists the per-source resume offsets across restarts.
	// Empty keeps them in memory only.
	OffsetsPath string
}

// PollResult summarises one poll pass.
type PollResult struct {
	Events int
	Failed []string
	Exited bool
}

type Monitor struct {
	opts       Options
	dispatcher Dispatcher
	sources    []Source

	mu      sync.RWMutex // protects offsets and health
	offsets map[string]int64
	health  map[string]*sourceHealth
	dirty   bool

	probe      *ProcessProbe
	onExit     func()
	probeError string
}

func NewMonitor(opts Options, d Dispatcher, sources ...Source) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HealthThreshold <= 0 {
		opts.HealthThreshold = defaultHealthThreshold
	}
	health := make(map[string]*sourceHealth, len(sources))
	for _, src := range sources {
		health[src.Name()] = newSourceHealth()
	}
	offsets := make(map[string]int64)
	if opts.OffsetsPath != "" {
		saved, err := loadOffsets(opts.OffsetsPath)
		if err != nil {
			log.Printf("monitor: %v, rereading sources from start", err)
		} else {
			offsets = saved
		}
	}
	return &Monitor{
		opts:       opts,
		dispatcher: d,
		sources:    sources,
		offsets:    offsets,
		health:     health,
	}
}

// SetProcessProbe installs a client process probe. onExit runs on the poll
// goroutine each time the client is seen to exit.
func (m *Monitor) SetProcessProbe(p *ProcessProbe, onExit func()) {
	m.probe = p
	m.onExit = onExit
}

// Start polls until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	names := make([]string, len(m.sources))
	for i, s := range m.sources {
		names[i] = s.Name()
	}
	log.Printf("monitor: started with sources %v", names)

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("monitor: stopped")
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll reads every source once, dispatches what it finds in order and
// samples the client process.
func (m *Monitor) Poll(ctx context.Context) PollResult {
	var res PollResult
	for _, src := range m.sources {
		n, err := m.pollSource(ctx, src)
		res.Events += n
		if err != nil {
			res.Failed = append(res.Failed, src.Name())
		}
	}
	m.saveOffsets()

	if m.probe != nil {
		exited, err := m.probe.Check(ctx)
		switch {
		case err != nil:
			if msg := err.Error(); msg != m.probeError {
				log.Printf("monitor: process probe: %v", err)
				m.probeError = msg
			}
		case exited:
			m.probeError = ""
			log.Printf("monitor: client process exited, clearing co-presence")
			res.Exited = true
			if m.onExit != nil {
				m.onExit()
			}
		default:
			m.probeError = ""
		}
	}
	return res
}

func (m *Monitor) pollSource(ctx context.Context, src Source) (n int, err error) {
	name := src.Name()
	sh := m.sourceHealth(name)

	envs, err := m.safeRead(src, sh)
	if err != nil {
		log.Printf("monitor: [%s] read error: %v", name, err)
		return 0, err
	}
	sh.recordReadSuccess()

	for _, env := range envs {
		ev, err := env.Decode()
		sh.recordDecode(err)
		if err != nil {
			log.Printf("monitor: [%s] skipping %s event: %v", name, env.Type, err)
			continue
		}
		if err := m.safeDispatch(ctx, ev); err != nil {
			log.Printf("monitor: [%s] %s: %v", name, env.Type, err)
		}
		n++
	}
	return n, nil
}

// safeRead recovers a panicking source and counts it as a read failure.
func (m *Monitor) safeRead(src Source, sh *sourceHealth) (envs []event.Envelope, err error) {
	m.mu.RLock()
	offset := m.offsets[src.Name()]
	m.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			envs = nil
			err = fmt.Errorf("panic: %v", r)
			sh.recordPanic(err)
		}
	}()

	envs, next, err := src.Read(offset)
	if err != nil {
		sh.recordReadFailure(err)
		return nil, err
	}
	m.mu.Lock()
	if m.offsets[src.Name()] != next {
		m.offsets[src.Name()] = next
		m.dirty = true
	}
	m.mu.Unlock()
	return envs, nil
}

// saveOffsets persists the offsets once their envelopes have been
// dispatched. A failed save is retried on the next poll.
func (m *Monitor) saveOffsets() {
	if m.opts.OffsetsPath == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return
	}
	if err := saveOffsets(m.opts.OffsetsPath, m.offsets); err != nil {
		log.Printf("monitor: saving offsets: %v", err)
		return
	}
	m.dirty = false
}

func (m *Monitor) safeDispatch(ctx context.Context, ev any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return m.dispatcher.Dispatch(ctx, ev)
}

func (m *Monitor) sourceHealth(name string) *sourceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, ok := m.health[name]
	if !ok {
		sh = newSourceHealth()
		m.health[name] = sh
	}
	return sh
}

// Health returns a snapshot of every source, sorted by name.
func (m *Monitor) Health() []SourceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SourceHealth, 0, len(m.health))
	for name, sh := range m.health {
		out = append(out, sh.snapshot(name, m.opts.HealthThreshold))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Offset returns the resume offset recorded for a source.
func (m *Monitor) Offset(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offsets[name]
}
