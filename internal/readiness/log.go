package readiness

import (
	"bytes"
	"context"
	"io"
	"os"
)

// ReadyPhrase is what the server logs once it accepts connections.
const ReadyPhrase = "database system is ready to accept connections"

// LogProbe scans the server log written after Target.LogOffset for a phrase.
type LogProbe struct {
	Phrase string // defaults to ReadyPhrase
}

func (p LogProbe) Ready(_ context.Context, t Target) (bool, error) {
	phrase := p.Phrase
	if phrase == "" {
		phrase = ReadyPhrase
	}
	f, err := os.Open(t.LogPath)
	if err != nil {
		return false, nil
	}
	defer func() { _ = f.Close() }()
	if t.LogOffset > 0 {
		if _, err := f.Seek(t.LogOffset, io.SeekStart); err != nil {
			return false, nil
		}
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return false, nil
	}
	return bytes.Contains(b, []byte(phrase)), nil
}

func (p LogProbe) Describe() string { return "log" }
