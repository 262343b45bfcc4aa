package audio

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"
)

func TestEncodeProbeRoundTrip(t *testing.T) {
	pcm := make([]byte, 32000) // one second at 16kHz mono 16-bit
	data, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() unexpected error = %v", err)
	}

	info, err := Probe(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Probe() unexpected error = %v", err)
	}
	if info.Channels != 1 {
		t.Fatalf("Channels = %d, want 1", info.Channels)
	}
	if info.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", info.SampleRate)
	}
	if info.BitsPerSample != 16 {
		t.Fatalf("BitsPerSample = %d, want 16", info.BitsPerSample)
	}
	if info.DataBytes != len(pcm) {
		t.Fatalf("DataBytes = %d, want %d", info.DataBytes, len(pcm))
	}
	if !info.IsCanonical() {
		t.Fatalf("IsCanonical() = false for mono/16k/16-bit")
	}
	if got := info.Duration(); got != time.Second {
		t.Fatalf("Duration() = %v, want 1s", got)
	}
}

func TestProbeFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	pcm := make([]byte, 1600)
	if err := WriteWAVPCM16LEFile(path, pcm, 8000); err != nil {
		t.Fatalf("WriteWAVPCM16LEFile() unexpected error = %v", err)
	}

	info, err := ProbeFile(path)
	if err != nil {
		t.Fatalf("ProbeFile() unexpected error = %v", err)
	}
	if info.SampleRate != 8000 {
		t.Fatalf("SampleRate = %d, want 8000", info.SampleRate)
	}
	if info.IsCanonical() {
		t.Fatalf("IsCanonical() = true for 8kHz input")
	}
}

func TestProbeSkipsIntermediateChunks(t *testing.T) {
	pcm := make([]byte, 320)
	data, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() unexpected error = %v", err)
	}

	// Splice a LIST chunk between fmt and data.
	list := append([]byte("LIST"), 4, 0, 0, 0, 'I', 'N', 'F', 'O')
	spliced := append(append(append([]byte{}, data[:36]...), list...), data[36:]...)
	// Patch the RIFF size for the extra bytes.
	total := uint32(len(spliced) - 8)
	spliced[4] = byte(total)
	spliced[5] = byte(total >> 8)
	spliced[6] = byte(total >> 16)
	spliced[7] = byte(total >> 24)

	info, err := Probe(bytes.NewReader(spliced))
	if err != nil {
		t.Fatalf("Probe() unexpected error = %v", err)
	}
	if info.DataBytes != len(pcm) {
		t.Fatalf("DataBytes = %d, want %d", info.DataBytes, len(pcm))
	}
}

func TestProbeRejectsGarbage(t *testing.T) {
	if _, err := Probe(bytes.NewReader([]byte("definitely not audio"))); err == nil {
		t.Fatalf("Probe() expected error for non-RIFF input")
	}
}
