package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prtfnx/ttrpg-system-sub008/internal/protocol"
)

const DefaultQueryTimeout = 10 * time.Second

var ErrNoResults = errors.New("no results")

// QueryError is a compendium request the server answered with an error.
type QueryError struct {
	Query   string
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("compendium %q: %s", e.Query, e.Message)
}

// Compendium runs searches over the session link. Each request carries a
// fresh sequence id and the response with the same id answers it.
type Compendium struct {
	link    Link
	log     *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[uint64]chan protocol.Envelope
	unsubs  []func()
}

func NewCompendium(l Link, log *slog.Logger) *Compendium {
	if log == nil {
		log = slog.Default()
	}
	c := &Compendium{
		link:    l,
		log:     log,
		timeout: DefaultQueryTimeout,
		pending: make(map[uint64]chan protocol.Envelope),
	}
	bus := l.Bus()
	c.unsubs = append(c.unsubs,
		bus.Subscribe(protocol.CompendiumSearchResponse, c.onReply),
		bus.Subscribe(protocol.Error, c.onReply),
	)
	return c
}

// SetTimeout bounds requests whose context has no earlier deadline.
func (c *Compendium) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

func (c *Compendium) Search(ctx context.Context, q protocol.CompendiumSearchPayload) (protocol.CompendiumSearchResponsePayload, error) {
	var out protocol.CompendiumSearchResponsePayload
	payload, err := protocol.PayloadOf(q)
	if err != nil {
		return out, err
	}

	seq := c.link.NextSeq()
	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[seq] = ch
	timeout := c.timeout
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.link.SendEnvelope(protocol.NewEnvelope(protocol.CompendiumSearch, payload).WithSeq(seq)); err != nil {
		return out, fmt.Errorf("compendium search: %w", err)
	}

	select {
	case <-ctx.Done():
		return out, fmt.Errorf("compendium search %q: %w", q.Query, ctx.Err())
	case env := <-ch:
		if env.Type == protocol.Error {
			var e protocol.ErrorPayload
			_ = protocol.DecodePayload(env, &e)
			return out, &QueryError{Query: q.Query, Message: e.Message}
		}
		if err := protocol.DecodePayload(env, &out); err != nil {
			return out, fmt.Errorf("compendium search: decode: %w", err)
		}
		if out.Error != "" {
			return out, &QueryError{Query: q.Query, Message: out.Error}
		}
		return out, nil
	}
}

func (c *Compendium) onReply(env protocol.Envelope) {
	if env.SequenceID == nil {
		if env.Type == protocol.CompendiumSearchResponse {
			c.log.Warn("compendium response without sequence id dropped")
		}
		return
	}
	c.mu.Lock()
	ch := c.pending[*env.SequenceID]
	c.mu.Unlock()
	if ch == nil {
		if env.Type == protocol.CompendiumSearchResponse {
			c.log.Debug("late compendium response dropped", "sequence_id", *env.SequenceID)
		}
		return
	}
	select {
	case ch <- env:
	default:
	}
}

// Close stops listening; searches in flight end with their context.
func (c *Compendium) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// First returns the first result of a search.
func (c *Compendium) First(ctx context.Context, query, category string) (map[string]any, error) {
	resp, err := c.Search(ctx, protocol.CompendiumSearchPayload{Query: query, Category: category, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("compendium %q: %w", query, ErrNoResults)
	}
	return resp.Results[0], nil
}
