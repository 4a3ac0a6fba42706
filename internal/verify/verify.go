// Package verify checks that downloaded files are playable audio formats by
// inspecting their leading bytes.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// sniffer reports whether header bytes match one audio container.
type sniffer struct {
	format string
	match  func(header []byte) bool
}

var sniffers = []sniffer{
	{"mp3", matchMP3},
	{"flac", func(h []byte) bool { return bytes.HasPrefix(h, []byte("fLaC")) }},
	{"ogg", func(h []byte) bool { return bytes.HasPrefix(h, []byte("OggS")) }},
	{"m4a", matchM4A},
	{"wav", matchWAV},
}

// Verifier validates audio files on disk.
type Verifier struct{}

// NewVerifier creates a Verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// VerifyAudioFormat reports whether the file at path starts like a known
// audio format. An unreadable file is an error, not an invalid format.
func (v *Verifier) VerifyAudioFormat(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open file for verification: %w", err)
	}
	defer f.Close()

	header := make([]byte, 12)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return false, fmt.Errorf("failed to read file header: %w", err)
	}
	header = header[:n]

	_, ok := DetectFormat(header)
	return ok, nil
}

// DetectFormat returns the matched format name for a header.
func DetectFormat(header []byte) (string, bool) {
	for _, s := range sniffers {
		if s.match(header) {
			return s.format, true
		}
	}
	return "", false
}

func matchMP3(h []byte) bool {
	// ID3 tag, or a bare MPEG audio frame sync (11 set bits).
	if bytes.HasPrefix(h, []byte("ID3")) {
		return true
	}
	return len(h) >= 2 && h[0] == 0xFF && h[1]&0xE0 == 0xE0
}

func matchM4A(h []byte) bool {
	// ISO base media: size (4 bytes) then "ftyp".
	return len(h) >= 8 && bytes.Equal(h[4:8], []byte("ftyp"))
}

func matchWAV(h []byte) bool {
	return len(h) >= 12 && bytes.HasPrefix(h, []byte("RIFF")) && bytes.Equal(h[8:12], []byte("WAVE"))
}
