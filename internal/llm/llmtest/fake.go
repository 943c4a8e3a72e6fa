// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nunnarivu-labs/ishtar/internal/llm"
)

type GenerateCall struct {
	Model  string
	Turns  []llm.Turn
	Config *llm.GenerateConfig
}

type UploadCall struct {
	Data        []byte
	MIMEType    string
	DisplayName string
}

// Client replays queued responses in order. Unset hooks fall back to simple defaults.
type Client struct {
	mu sync.Mutex

	Responses []*llm.Response
	Errors    []error

	CountFn  func(turns []llm.Turn) (int64, error)
	UploadFn func(n int, data []byte) (*llm.UploadedFile, error)

	Generated []GenerateCall
	Counted   [][]llm.Turn
	Uploads   []UploadCall
}

func (c *Client) GenerateContent(_ context.Context, model string, turns []llm.Turn, cfg *llm.GenerateConfig) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Generated = append(c.Generated, GenerateCall{Model: model, Turns: turns, Config: cfg})

	if len(c.Errors) > 0 {
		err := c.Errors[0]
		c.Errors = c.Errors[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(c.Responses) == 0 {
		return nil, fmt.Errorf("no scripted response")
	}
	resp := c.Responses[0]
	c.Responses = c.Responses[1:]
	return resp, nil
}

func (c *Client) CountTokens(_ context.Context, _ string, turns []llm.Turn) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Counted = append(c.Counted, turns)
	if c.CountFn != nil {
		return c.CountFn(turns)
	}
	var n int64
	for _, t := range turns {
		for _, p := range t.Parts {
			n += int64(len(p.Text))
		}
	}
	return n, nil
}

func (c *Client) UploadFile(_ context.Context, r io.Reader, mimeType, displayName string) (*llm.UploadedFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Uploads = append(c.Uploads, UploadCall{Data: data, MIMEType: mimeType, DisplayName: displayName})
	n := len(c.Uploads)
	if c.UploadFn != nil {
		return c.UploadFn(n, data)
	}
	return &llm.UploadedFile{
		Name:     fmt.Sprintf("files/%d", n),
		URI:      fmt.Sprintf("https://files.example/%d", n),
		MIMEType: mimeType,
	}, nil
}

func (c *Client) UploadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Uploads)
}

func (c *Client) GenerateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Generated)
}

// TextResponse builds a plain text response with the given usage.
func TextResponse(text string, prompt, candidates int64) *llm.Response {
	return &llm.Response{
		Parts: []llm.Part{llm.TextPart(text)},
		Usage: llm.Usage{PromptTokens: prompt, CandidateTokens: candidates},
	}
}
