// Package httputil abstracts the outbound HTTP client behind an interface so
// callers of the inference service can be tested without a live endpoint.
package httputil

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// Doer is the subset of *http.Client the service clients need.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Mock replays queued responses in order and records every request. An empty
// queue answers 200 with an empty body.
type Mock struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	queue    []mockReply
	next     int
}

type mockReply struct {
	status int
	body   string
	err    error
}

// NewMock creates an empty mock client.
func NewMock() *Mock {
	return &Mock{}
}

// Reply queues a response with the given status and body.
func (m *Mock) Reply(status int, body string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{status: status, body: body})
	return m
}

// Fail queues a transport-level error.
func (m *Mock) Fail(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{err: err})
	return m
}

// Do records the request and pops the next queued reply. The request body is
// drained up front so callers can inspect it after the fact.
func (m *Mock) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, string(body))

	reply := mockReply{status: http.StatusOK}
	if m.next < len(m.queue) {
		reply = m.queue[m.next]
		m.next++
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return &http.Response{
		StatusCode: reply.status,
		Body:       io.NopCloser(bytes.NewBufferString(reply.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Calls returns how many requests the mock has served.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Request returns the nth recorded request, or nil.
func (m *Mock) Request(n int) *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.requests) {
		return nil
	}
	return m.requests[n]
}

// Body returns the drained body of the nth recorded request.
func (m *Mock) Body(n int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.bodies) {
		return ""
	}
	return m.bodies[n]
}
