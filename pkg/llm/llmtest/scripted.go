// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rvastories/storyloom/pkg/llm"
)

// ScriptEntry defines a single scripted completion.
type ScriptEntry struct {
	// Response content (exactly one of Text or Err should be set).
	Text string
	Err  error

	// Test control.
	WaitCh  <-chan struct{} // block Complete() until closed, then respond
	OnBlock chan<- struct{} // notified when Complete() starts blocking on WaitCh
}

type route struct {
	match   string
	entries []ScriptEntry
	index   int
}

// Scripted implements llm.Client with dual dispatch: routed entries
// matched by a substring of the request's system prompt, with a
// sequential fallback consumed in call order. Routing keeps multi-call
// turns (candidate generation inside a content turn) readable without
// counting calls.
type Scripted struct {
	mu         sync.Mutex
	sequential []ScriptEntry
	seqIndex   int
	routes     []*route
	captured   []llm.Request
}

// NewScripted creates an empty scripted client.
func NewScripted() *Scripted {
	return &Scripted{}
}

// AddSequential appends an entry consumed in order by calls no route
// claims.
func (c *Scripted) AddSequential(entry ScriptEntry) *Scripted {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequential = append(c.sequential, entry)
	return c
}

// AddRouted appends an entry served to requests whose system prompt
// contains match. Entries sharing a match value are consumed in order.
func (c *Scripted) AddRouted(match string, entry ScriptEntry) *Scripted {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.routes {
		if r.match == match {
			r.entries = append(r.entries, entry)
			return c
		}
	}
	c.routes = append(c.routes, &route{match: match, entries: []ScriptEntry{entry}})
	return c
}

// Complete implements llm.Client.
func (c *Scripted) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	c.mu.Lock()
	c.captured = append(c.captured, req)
	entry, err := c.nextEntry(req)
	c.mu.Unlock()

	if err != nil {
		return llm.Response{}, err
	}

	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}

	if entry.Err != nil {
		return llm.Response{}, entry.Err
	}

	return llm.Response{
		Text:  entry.Text,
		Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// CallCount returns the total number of Complete() calls made.
func (c *Scripted) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

// Requests returns a copy of every captured request, in call order.
func (c *Scripted) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Request, len(c.captured))
	copy(out, c.captured)
	return out
}

// nextEntry selects the next script entry, routed dispatch first.
// Must be called with c.mu held.
func (c *Scripted) nextEntry(req llm.Request) (*ScriptEntry, error) {
	for _, r := range c.routes {
		if strings.Contains(req.System, r.match) && r.index < len(r.entries) {
			entry := &r.entries[r.index]
			r.index++
			return entry, nil
		}
	}

	if c.seqIndex < len(c.sequential) {
		entry := &c.sequential[c.seqIndex]
		c.seqIndex++
		return entry, nil
	}

	return nil, fmt.Errorf("llmtest: no more entries (sequential=%d/%d, system=%.60q)",
		c.seqIndex, len(c.sequential), req.System)
}
