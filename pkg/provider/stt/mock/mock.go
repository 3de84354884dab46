// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := &mock.Session{
//	    PartialsCh: make(chan stt.Transcript, 1),
//	    FinalsCh:   make(chan stt.Transcript, 1),
//	}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/rokasgie/ai-data-collector/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a new default Session with buffered channels.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Tests feed
// transcripts by sending on PartialsCh / FinalsCh and closing them to
// simulate the provider ending the stream.
type Session struct {
	mu sync.Mutex

	// PartialsCh and FinalsCh back Partials() and Finals().
	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// AudioChunks records copies of every chunk passed to SendAudio.
	AudioChunks [][]byte

	// ControlMsgs records every payload passed to SendControl.
	ControlMsgs []map[string]any

	// Closed reports whether Close was called.
	Closed bool
}

// NewSession returns a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioChunks = append(s.AudioChunks, cp)
	return nil
}

// SendControl records the payload.
func (s *Session) SendControl(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ControlMsgs = append(s.ControlMsgs, payload)
	return nil
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// Close marks the session closed and closes both transcript channels once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Closed {
		s.Closed = true
		close(s.PartialsCh)
		close(s.FinalsCh)
	}
	return nil
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
