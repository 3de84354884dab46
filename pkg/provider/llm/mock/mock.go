// Package mock provides test doubles for the llm package interfaces.
//
// Provider streams scripted chunks and returns canned extraction documents,
// recording every request so tests can assert on prompts and history.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rokasgie/ai-data-collector/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the sequence of chunks emitted by StreamCompletion. When
	// nil, the stream closes immediately with no output.
	Chunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion.
	StreamErr error

	// ExtractResult is returned from Extract. When nil, Extract returns an
	// empty JSON object.
	ExtractResult json.RawMessage

	// ExtractErr, if non-nil, is returned as the error from Extract.
	ExtractErr error

	// StreamCalls records every CompletionRequest passed to StreamCompletion.
	StreamCalls []llm.CompletionRequest

	// ExtractCalls records every ExtractRequest passed to Extract.
	ExtractCalls []llm.ExtractRequest
}

// StreamCompletion records the call and emits Chunks on a fresh channel.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, req)
	chunks := make([]llm.Chunk, len(p.Chunks))
	copy(chunks, p.Chunks)
	err := p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Extract records the call and returns ExtractResult, ExtractErr.
func (p *Provider) Extract(ctx context.Context, req llm.ExtractRequest) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExtractCalls = append(p.ExtractCalls, req)
	if p.ExtractErr != nil {
		return nil, p.ExtractErr
	}
	if p.ExtractResult == nil {
		return json.RawMessage(`{}`), nil
	}
	return p.ExtractResult, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.ExtractCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
