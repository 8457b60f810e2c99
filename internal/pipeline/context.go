package pipeline

import (
	"context"
	"sync"
)

const handoffBuffer = 16

// Context is the per-task hand-off between the concurrently running Planner
// and Architect. The Planner streams partial output through a bounded chunk
// channel and signals completion; the Architect consumes chunks as they
// arrive and falls back to waiting on the completion signal.
type Context struct {
	chunks chan string
	done   chan struct{}

	mu          sync.Mutex
	requirement string
	prd         string
	design      string
}

func NewContext(requirement string) *Context {
	return &Context{
		chunks:      make(chan string, handoffBuffer),
		done:        make(chan struct{}),
		requirement: requirement,
	}
}

func (c *Context) Requirement() string {
	return c.requirement
}

// PushChunk streams one piece of partial Planner output. Blocks when the
// hand-off buffer is full so a slow Architect applies backpressure.
func (c *Context) PushChunk(ctx context.Context, chunk string) error {
	select {
	case c.chunks <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FinishPlan records the complete document and signals the Architect that no
// further chunks will arrive. Called exactly once, by the Planner.
func (c *Context) FinishPlan(prd string) {
	c.mu.Lock()
	c.prd = prd
	c.mu.Unlock()
	close(c.done)
}

// NextChunk returns the next streamed chunk. ok is false once the Planner has
// finished and all buffered chunks are drained.
func (c *Context) NextChunk(ctx context.Context) (chunk string, ok bool, err error) {
	select {
	case chunk = <-c.chunks:
		return chunk, true, nil
	default:
	}
	select {
	case chunk = <-c.chunks:
		return chunk, true, nil
	case <-c.done:
		// Drain anything the Planner pushed before finishing.
		select {
		case chunk = <-c.chunks:
			return chunk, true, nil
		default:
			return "", false, nil
		}
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// PRD returns the completed Planner document. Valid after FinishPlan.
func (c *Context) PRD() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prd
}

func (c *Context) SetDesign(design string) {
	c.mu.Lock()
	c.design = design
	c.mu.Unlock()
}

func (c *Context) Design() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.design
}
