package speech

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ESpeakEngine is the free, offline-capable fallback backend. It shells
// out to espeak-ng, which writes WAV directly (not yet at the canonical
// rate, so it still goes through the normalizer).
type ESpeakEngine struct {
	bin string
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewESpeakEngine(bin string) *ESpeakEngine {
	if strings.TrimSpace(bin) == "" {
		bin = "espeak-ng"
	}
	return &ESpeakEngine{
		bin: bin,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			var errBuf bytes.Buffer
			cmd.Stderr = &errBuf
			if err := cmd.Run(); err != nil {
				return errBuf.Bytes(), err
			}
			return errBuf.Bytes(), nil
		},
	}
}

// SetRunner replaces the process runner. Test hook.
func (e *ESpeakEngine) SetRunner(run func(ctx context.Context, name string, args ...string) ([]byte, error)) {
	e.run = run
}

func (e *ESpeakEngine) Name() string { return "espeak" }
func (e *ESpeakEngine) Ext() string  { return ".wav" }

func (e *ESpeakEngine) Speak(ctx context.Context, text, outPath string) error {
	stderr, err := e.run(ctx, e.bin, "-w", outPath, "--", text)
	if err != nil {
		return fmt.Errorf("espeak: %v: %s", err, strings.TrimSpace(string(stderr)))
	}
	return nil
}
