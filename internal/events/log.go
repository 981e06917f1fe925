// Package events is the per-run append-only event log. Events are buffered
// in memory for the live UI and mirrored to a durable Sink so a run can be
// inspected after a restart.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sitewright/internal/domain"
	"sitewright/internal/logging"
)

const (
	DefaultCapacity = 2000
	DefaultAgent    = "Unknown"
	StatusIdle      = "Idle"
)

var ErrInvalidKey = errors.New("invalid project or run id")

// Entry is one emit request. Mission and Status update the agent summary
// only when set.
type Entry struct {
	Project string
	Run     string
	Agent   string
	Text    string
	Kind    string
	Level   string
	Mission *string
	Status  *string
}

type runKey struct {
	project string
	run     string
}

type runBuffer struct {
	mu     sync.Mutex
	events []domain.Event
	agents map[string]*domain.AgentSummary
}

type Log struct {
	sink     Sink
	logger   *slog.Logger
	capacity int
	Now      func() time.Time

	mu   sync.Mutex
	runs map[runKey]*runBuffer
}

func NewLog(sink Sink, logger *slog.Logger) *Log {
	return &Log{
		sink:     sink,
		logger:   logging.OrNop(logger),
		capacity: DefaultCapacity,
		Now:      time.Now,
		runs:     make(map[runKey]*runBuffer),
	}
}

func (l *Log) buffer(project, run string) (*runBuffer, error) {
	if !domain.ValidID(project) || !domain.ValidID(run) {
		return nil, fmt.Errorf("%w: %q/%q", ErrInvalidKey, project, run)
	}
	key := runKey{project, run}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.runs[key]
	if !ok {
		b = &runBuffer{agents: make(map[string]*domain.AgentSummary)}
		l.runs[key] = b
	}
	return b, nil
}

func (l *Log) lookup(project, run string) *runBuffer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[runKey{project, run}]
}

func (l *Log) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// Emit appends an event to the run. The returned error reports a failed
// durable write; the in-memory event is recorded regardless and callers may
// ignore it.
func (l *Log) Emit(ctx context.Context, e Entry) error {
	b, err := l.buffer(e.Project, e.Run)
	if err != nil {
		return err
	}
	if e.Kind == "" {
		e.Kind = "info"
	}
	if e.Level == "" {
		e.Level = "info"
	}
	if e.Agent == "" {
		e.Agent = DefaultAgent
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	ev := domain.Event{
		TS:    float64(l.now().UnixNano()) / float64(time.Millisecond),
		Agent: e.Agent,
		Text:  e.Text,
		Kind:  e.Kind,
		Level: e.Level,
	}
	b.events = append(b.events, ev)
	if len(b.events) > l.capacity {
		b.events = append([]domain.Event(nil), b.events[len(b.events)-l.capacity:]...)
	}
	summary := b.agent(e.Agent)
	if e.Mission != nil {
		summary.Mission = *e.Mission
	}
	if e.Status != nil {
		summary.Status = *e.Status
	}

	if l.sink == nil {
		return nil
	}
	if err := l.sink.Append(ctx, e.Project, e.Run, ev); err != nil {
		l.logger.Warn("event sink append failed", "project", e.Project, "run", e.Run, "agent", e.Agent, "err", err)
		return err
	}
	return nil
}

func (b *runBuffer) agent(name string) *domain.AgentSummary {
	a, ok := b.agents[name]
	if !ok {
		a = &domain.AgentSummary{Name: name, Status: StatusIdle}
		b.agents[name] = a
	}
	return a
}

// LoadFromDisk rebuilds a run from the sink when nothing is buffered for it.
// Only the newest capacity events are kept; agent summaries come back idle.
// A run the sink has no records for leaves no buffer behind.
func (l *Log) LoadFromDisk(ctx context.Context, project, run string) error {
	if !domain.ValidID(project) || !domain.ValidID(run) {
		return fmt.Errorf("%w: %q/%q", ErrInvalidKey, project, run)
	}
	if l.sink == nil {
		return nil
	}
	if b := l.lookup(project, run); b != nil {
		b.mu.Lock()
		live := len(b.events) > 0
		b.mu.Unlock()
		if live {
			return nil
		}
	}
	var replayed []domain.Event
	agents := make(map[string]*domain.AgentSummary)
	err := l.sink.Replay(ctx, project, run, func(ev domain.Event) {
		replayed = append(replayed, ev)
		if ev.Agent != "" {
			if _, ok := agents[ev.Agent]; !ok {
				agents[ev.Agent] = &domain.AgentSummary{Name: ev.Agent, Status: StatusIdle}
			}
		}
	})
	if err != nil {
		return fmt.Errorf("replay events %s/%s: %w", project, run, err)
	}
	if len(replayed) == 0 {
		return nil
	}
	if len(replayed) > l.capacity {
		replayed = replayed[len(replayed)-l.capacity:]
	}
	b, err := l.buffer(project, run)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// An emit may have started the run while the sink was being read.
	if len(b.events) > 0 {
		return nil
	}
	b.events = replayed
	b.agents = agents
	return nil
}

// Events returns a copy of the buffered events in append order.
func (l *Log) Events(project, run string) []domain.Event {
	b := l.lookup(project, run)
	if b == nil {
		return []domain.Event{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Event, len(b.events))
	copy(out, b.events)
	return out
}

// EventsByAgent groups the buffered events by agent, keeping order within
// each group.
func (l *Log) EventsByAgent(project, run string) map[string][]domain.Event {
	by := make(map[string][]domain.Event)
	for _, ev := range l.Events(project, run) {
		name := ev.Agent
		if name == "" {
			name = DefaultAgent
		}
		by[name] = append(by[name], ev)
	}
	return by
}

// Agents returns the agent summaries sorted by name.
func (l *Log) Agents(project, run string) []domain.AgentSummary {
	b := l.lookup(project, run)
	if b == nil {
		return []domain.AgentSummary{}
	}
	b.mu.Lock()
	out := make([]domain.AgentSummary, 0, len(b.agents))
	for _, a := range b.agents {
		out = append(out, *a)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Forget drops the in-memory buffer for a run.
func (l *Log) Forget(project, run string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.runs, runKey{project, run})
}
