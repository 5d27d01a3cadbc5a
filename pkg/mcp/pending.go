package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
)

// pendingCalls correlates responses read off a shared stream with the
// requests waiting for them.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[int64]chan *Response
	err   error
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[int64]chan *Response)}
}

// add registers a waiter for id. It fails once the stream has died and
// reset has not been called.
func (p *pendingCalls) add(id int64) (chan *Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	if _, exists := p.calls[id]; exists {
		return nil, fmt.Errorf("duplicate request id %d", id)
	}
	ch := make(chan *Response, 1)
	p.calls[id] = ch
	return ch, nil
}

func (p *pendingCalls) remove(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, id)
}

// resolve hands resp to its waiter. It returns false for unknown ids.
func (p *pendingCalls) resolve(resp *Response) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.calls[resp.ID]
	if !ok {
		return false
	}
	delete(p.calls, resp.ID)
	ch <- resp
	return true
}

// failAll wakes every waiter with err and rejects new waiters until reset.
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.err = err
	for id, ch := range p.calls {
		close(ch)
		delete(p.calls, id)
	}
}

func (p *pendingCalls) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = nil
}

func (p *pendingCalls) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		return ErrClosed
	}
	return p.err
}

func (p *pendingCalls) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// await blocks until the response for id arrives, the stream dies or ctx ends.
func (p *pendingCalls) await(ctx context.Context, id int64, ch chan *Response) (*Response, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, p.failure()
		}
		return resp, nil
	case <-ctx.Done():
		p.remove(id)
		return nil, ctx.Err()
	}
}

// messageKind classifies a raw JSON-RPC message without fully decoding it.
type messageKind int

const (
	kindInvalid messageKind = iota
	kindResponse
	kindServerRequest
	kindNotification
)

func classify(data []byte) messageKind {
	if !gjson.ValidBytes(data) {
		return kindInvalid
	}
	hasID := gjson.GetBytes(data, "id").Exists()
	hasMethod := gjson.GetBytes(data, "method").Exists()
	switch {
	case hasMethod && hasID:
		return kindServerRequest
	case hasMethod:
		return kindNotification
	case hasID:
		return kindResponse
	default:
		return kindInvalid
	}
}

// decodeResponse parses data when it is a response and reports whether it was.
func decodeResponse(data []byte) (*Response, bool) {
	if classify(data) != kindResponse {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}
