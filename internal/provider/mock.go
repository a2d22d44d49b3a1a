package provider

import (
	"context"
	"sync"
)

// MockExecutor returns scripted replies and records every request. Used by
// tests across the repo.
type MockExecutor struct {
	mu       sync.Mutex
	requests []Request

	// Reply produces the result for a request. When nil, a fixed "ok"
	// reply is returned.
	Reply func(req Request) (Result, error)
}

func (m *MockExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	return m.ExecuteStream(ctx, req, Stream{})
}

func (m *MockExecutor) ExecuteStream(ctx context.Context, req Request, stream Stream) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	reply := m.Reply
	m.mu.Unlock()

	if reply == nil {
		res := Result{Text: "ok", Stdout: "ok\n"}
		if stream.OnStdout != nil {
			stream.OnStdout("ok")
		}
		return res, nil
	}
	res, err := reply(req)
	if err == nil && stream.OnStdout != nil && res.Text != "" {
		stream.OnStdout(res.Text)
	}
	return res, err
}

// Requests returns a copy of every request seen so far.
func (m *MockExecutor) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}
