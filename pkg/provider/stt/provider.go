// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// Audio arrives as complete uploaded clips, so the interface is batch rather
// than streaming: one encoded audio payload in, one transcript out. An empty
// transcript with a nil error is a valid result and means the backend heard
// sound but recognised no words.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Transcriber is the abstraction over any speech-to-text backend.
type Transcriber interface {
	// Transcribe converts one complete audio clip into text. The audio is an
	// encoded container (WAV, WebM, MP3, ...) as uploaded by the client;
	// backends that need a specific format must reject others with an error.
	//
	// Returns the transcript, which may be empty when no speech was
	// recognised, or an error when the backend could not process the clip.
	Transcribe(ctx context.Context, audio []byte) (string, error)
}
