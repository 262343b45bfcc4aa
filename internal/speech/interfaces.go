package speech

import "context"

// Transcriber converts normalized WAV audio into text. An empty string
// means the provider heard no speech; callers decide how hard that is.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (string, error)
}

// Engine is a raw text-to-speech backend. It writes provider-native audio
// (compressed or otherwise) to outPath; normalization happens afterwards.
type Engine interface {
	Name() string
	// Ext is the file extension of the audio the engine produces.
	Ext() string
	Speak(ctx context.Context, text, outPath string) error
}
