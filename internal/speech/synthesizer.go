package speech

import (
	"context"
	"fmt"

	"github.com/canukguy1974/multitalk-runpod-minimal/internal/audio"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/uploads"
)

// Normalizer converts arbitrary audio into canonical mono/16k/16-bit WAV.
type Normalizer interface {
	Normalize(ctx context.Context, inputPath, outputPath string) error
}

// Synthesizer turns reply text into a normalized WAV in the upload area.
// The engine is chosen once at startup (premium when a credential is
// present, offline fallback otherwise); a failing engine is a hard error,
// not a cue to switch engines mid-request.
type Synthesizer struct {
	engine     Engine
	normalizer Normalizer
	store      *uploads.Store
}

func NewSynthesizer(engine Engine, normalizer Normalizer, store *uploads.Store) *Synthesizer {
	return &Synthesizer{engine: engine, normalizer: normalizer, store: store}
}

// EngineName reports which backend is active, for startup logging.
func (s *Synthesizer) EngineName() string {
	return s.engine.Name()
}

// Synthesize produces speech for text and returns the normalized WAV
// asset. The provider-native intermediate is deleted once consumed.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (uploads.SavedFile, error) {
	raw := s.store.Describe(s.store.NewName("tts_raw", s.engine.Ext()))
	if err := s.engine.Speak(ctx, text, raw.Path); err != nil {
		return uploads.SavedFile{}, fmt.Errorf("synthesize (%s): %w", s.engine.Name(), err)
	}

	wav := s.store.Describe(s.store.NewName("tts", ".wav"))
	if err := s.normalizer.Normalize(ctx, raw.Path, wav.Path); err != nil {
		return uploads.SavedFile{}, fmt.Errorf("normalize tts output: %w", err)
	}
	_ = s.store.Remove(raw.Name)

	// The render worker expects mono 16k PCM; catch a bad conversion here
	// rather than after a multi-minute render.
	info, err := audio.ProbeFile(wav.Path)
	if err != nil {
		return uploads.SavedFile{}, fmt.Errorf("probe tts output: %w", err)
	}
	if !info.IsCanonical() {
		return uploads.SavedFile{}, fmt.Errorf("tts output is %dch/%dHz/%dbit, want mono 16kHz 16-bit",
			info.Channels, info.SampleRate, info.BitsPerSample)
	}
	return wav, nil
}
