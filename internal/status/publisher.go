// Package status turns persisted run state into status payloads and pushes
// them to subscribers of a run.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/snakemake/snakeface/internal/store"
)

// DefaultUpdateInterval is how often a subscriber receives a new payload.
const DefaultUpdateInterval = 2 * time.Second

// Envelope is one message pushed to a subscriber.
type Envelope struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Text   any    `json:"text"`
}

// Envelope type and statuses understood by the browser consumer.
const (
	EnvelopeType  = "websocket.send"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Snapshot is the state of a run at one poll.
type Snapshot struct {
	Statuses []map[string]any `json:"statuses"`
	Output   string           `json:"output"`
	Error    string           `json:"error"`
	Retval   *int             `json:"retval"`
	State    store.RunStatus  `json:"state"`
}

// Finished reports whether the run has no active execution.
func (s *Snapshot) Finished() bool {
	return !s.State.Active()
}

// ErrorText is the payload of an error envelope.
type ErrorText struct {
	Message string `json:"message"`
}

// Channel is a push connection to one subscriber.
type Channel interface {
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// Source reads run state.
type Source interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListStatusEvents(ctx context.Context, runID string) ([]store.StatusEvent, error)
}

// Options configure a Publisher.
type Options struct {
	Source         Source
	UpdateInterval time.Duration
	Logger         *slog.Logger
	// OnSubscribers is called with the total number of subscribers whenever
	// it changes.
	OnSubscribers func(total int)
	// OnPush is called after every envelope sent.
	OnPush func(status string)
}

// Publisher serves subscriptions to runs. Each subscription polls on its
// own; subscribers of the same run do not share work or failures.
type Publisher struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	subs  map[string]int
	total int
}

// NewPublisher creates a publisher.
func NewPublisher(opts Options) *Publisher {
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = DefaultUpdateInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{opts: opts, logger: logger, subs: make(map[string]int)}
}

// UpdateInterval returns the time between pushes.
func (p *Publisher) UpdateInterval() time.Duration {
	return p.opts.UpdateInterval
}

// Snapshot reads and serializes the current state of a run. It returns
// store.ErrNotFound when the run does not exist. Output keeps the engine's
// escape codes only for plain (terminal) consumers.
func (p *Publisher) Snapshot(ctx context.Context, runID string, plain bool) (*Snapshot, error) {
	run, err := p.opts.Source.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := p.opts.Source.ListStatusEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	statuses, err := Serialize(events, plain)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Statuses: statuses,
		Output:   run.Output,
		Error:    run.Error,
		Retval:   run.Retval,
		State:    run.Status,
	}
	if !plain {
		snap.Output = ansi.Strip(snap.Output)
		snap.Error = ansi.Strip(snap.Error)
	}
	return snap, nil
}

// Subscribe pushes the state of runID to ch right away and then once per
// update interval until ctx ends. When the run does not exist a single
// error envelope is sent. The channel is always closed on return.
func (p *Publisher) Subscribe(ctx context.Context, runID string, ch Channel, plain bool) error {
	defer ch.Close()

	p.track(runID, 1)
	defer p.track(runID, -1)

	logger := p.logger.With("run_id", runID)
	logger.Debug("subscriber added")
	defer logger.Debug("subscriber removed")

	ticker := time.NewTicker(p.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		done, err := p.push(ctx, runID, ch, plain)
		if err != nil || done {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// push sends one envelope and reports whether the subscription is over.
func (p *Publisher) push(ctx context.Context, runID string, ch Channel, plain bool) (bool, error) {
	snap, err := p.Snapshot(ctx, runID, plain)
	switch {
	case errors.Is(err, store.ErrNotFound):
		env := Envelope{
			Type:   EnvelopeType,
			Status: StatusError,
			Text:   ErrorText{Message: fmt.Sprintf("Workflow with id %s does not exist.", runID)},
		}
		if err := ch.Send(ctx, env); err != nil && ctx.Err() == nil {
			p.logger.Debug("failed to send missing run notice", "run_id", runID, "error", err)
		}
		p.pushed(StatusError)
		return true, nil
	case ctx.Err() != nil:
		return true, nil
	case err != nil:
		return true, fmt.Errorf("failed to read run %s: %w", runID, err)
	}

	if err := ch.Send(ctx, Envelope{Type: EnvelopeType, Status: StatusSuccess, Text: snap}); err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return true, fmt.Errorf("failed to push to subscriber: %w", err)
	}
	p.pushed(StatusSuccess)
	return false, nil
}

// Subscribers returns the number of open subscriptions to runID.
func (p *Publisher) Subscribers(runID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[runID]
}

func (p *Publisher) track(runID string, delta int) {
	p.mu.Lock()
	p.subs[runID] += delta
	if p.subs[runID] <= 0 {
		delete(p.subs, runID)
	}
	p.total += delta
	total := p.total
	p.mu.Unlock()

	if p.opts.OnSubscribers != nil {
		p.opts.OnSubscribers(total)
	}
}

func (p *Publisher) pushed(status string) {
	if p.opts.OnPush != nil {
		p.opts.OnPush(status)
	}
}
