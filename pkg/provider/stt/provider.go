// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw PCM audio frames and emits two streams of
// Transcript values — low-latency partials for responsiveness and
// authoritative finals for turn reconciliation.
//
// The session's lifecycle is owned by the caller, but its transport is not
// guaranteed to stay up: the underlying socket may close and resume with a
// gap, and consumers must tolerate that (the transcript channels closing is
// the signal to reopen).
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import "context"

// StreamConfig describes the audio format for a new STT session. All fields
// must be compatible with what the underlying provider supports.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The browser capture path
	// delivers 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close
	// returns an error.
	SendAudio(chunk []byte) error

	// SendControl forwards an opaque provider control message (e.g. a
	// Deepgram Finalize request) to the session. Providers that have no
	// control channel may ignore the payload.
	SendControl(payload map[string]any) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. The
	// channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. The
	// channel is closed when the session ends.
	Finals() <-chan Transcript

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format. The returned SessionHandle is ready to accept audio
	// immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure or ctx already cancelled). The caller owns the
	// SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
