// Package mock provides a scripted model.Client for tests.
package mock

import (
	"context"
	"io"
	"strings"
	"sync"

	"goa.design/orbit/model"
)

type (
	// Client is a scripted model.Client. Responses are consumed in order; the
	// last response repeats once the script is exhausted. Safe for concurrent
	// use.
	Client struct {
		mu        sync.Mutex
		responses []response
		next      int
		requests  []model.Request
	}

	response struct {
		output string
		tokens int
		err    error
	}

	stream struct {
		mu     sync.Mutex
		chunks []string
		pos    int
		err    error
		ctx    context.Context
		cancel context.CancelFunc
	}
)

// New returns an empty scripted client. Without a script every call returns
// an empty response.
func New() *Client {
	return &Client{}
}

// AddResponse scripts a successful completion.
func (c *Client) AddResponse(output string, tokens int) *Client {
	c.mu.Lock()
	c.responses = append(c.responses, response{output: output, tokens: tokens})
	c.mu.Unlock()
	return c
}

// AddError scripts a failed completion.
func (c *Client) AddError(err error) *Client {
	c.mu.Lock()
	c.responses = append(c.responses, response{err: err})
	c.mu.Unlock()
	return c
}

// Requests returns a copy of every request received so far.
func (c *Client) Requests() []model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Request(nil), c.requests...)
}

// Calls returns the number of requests received.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Generate implements model.Client.
func (c *Client) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}
	r := c.take(req)
	if r.err != nil {
		if req.Callback != nil {
			req.Callback.OnError(ctx, r.err)
		}
		return model.Response{}, r.err
	}
	if req.Callback != nil {
		for _, tok := range tokenize(r.output) {
			if err := ctx.Err(); err != nil {
				return model.Response{}, err
			}
			req.Callback.OnToken(ctx, tok)
		}
	}
	return model.Response{Output: r.output, TokensUsed: r.tokens}, nil
}

// GenerateStream implements model.Client. The scripted output is yielded one
// whitespace-separated fragment at a time.
func (c *Client) GenerateStream(ctx context.Context, req model.Request) (model.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := c.take(req)
	if r.err != nil {
		if req.Callback != nil {
			req.Callback.OnError(ctx, r.err)
		}
		return nil, r.err
	}
	sctx, cancel := context.WithCancel(ctx)
	return &stream{chunks: tokenize(r.output), ctx: sctx, cancel: cancel}, nil
}

func (c *Client) take(req model.Request) response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return response{}
	}
	r := c.responses[c.next]
	if c.next < len(c.responses)-1 {
		c.next++
	}
	return r
}

// Recv implements model.Stream.
func (s *stream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.err != nil {
		return "", s.err
	}
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

// Close implements model.Stream.
func (s *stream) Close() error {
	s.cancel()
	return nil
}

// tokenize splits output into whitespace-delimited fragments, preserving a
// trailing space on each so concatenation round-trips.
func tokenize(output string) []string {
	if output == "" {
		return nil
	}
	words := strings.Fields(output)
	chunks := make([]string, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		chunks[i] = w
	}
	return chunks
}

var _ model.Client = (*Client)(nil)
var _ model.Stream = (*stream)(nil)
