// Package wavcheck rejects recordings the screening backends would refuse,
// before any bytes leave the machine.
package wavcheck

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

const (
	MaxUploadBytes = 20 * 1024 * 1024
	MinDuration    = time.Second
)

var (
	ErrNotWAV     = errors.New("only .wav files are supported")
	ErrTooLarge   = errors.New("file exceeds 20MB limit")
	ErrInvalidWAV = errors.New("invalid WAV file; only PCM WAV is supported")
	ErrNotMono    = errors.New("only mono WAV files are supported")
	ErrEmptyAudio = errors.New("WAV file contains no audio data")
	ErrTooShort   = errors.New("recording is too short for analysis")
)

// Info describes an accepted recording.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
	SizeBytes  int64
}

// Options tune which rules apply.
type Options struct {
	RequireMono bool
	// MinDuration rejects shorter recordings; zero disables the check.
	MinDuration time.Duration
	// CaseSensitiveExt accepts only a lower-case ".wav" extension.
	CaseSensitiveExt bool
}

// Rule sets of the two backends. The screening backend wants mono audio of at
// least MinDuration; the run backend takes stereo of any length but matches
// the extension exactly.
var (
	Screening = Options{RequireMono: true, MinDuration: MinDuration}
	Runs      = Options{CaseSensitiveExt: true}
)

// IsWAVName reports whether the filename carries a .wav extension.
func IsWAVName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".wav")
}

// Check validates the file at path.
func Check(path string, opts Options) (Info, error) {
	if opts.CaseSensitiveExt && filepath.Ext(path) != ".wav" || !IsWAVName(path) {
		return Info{}, ErrNotWAV
	}
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return Info{}, err
	}
	if st.Size() > MaxUploadBytes {
		return Info{}, ErrTooLarge
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		if dec.Err() != nil {
			return Info{}, fmt.Errorf("%w: %v", ErrInvalidWAV, dec.Err())
		}
		return Info{}, ErrInvalidWAV
	}
	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		SizeBytes:  st.Size(),
	}
	if info.SampleRate == 0 {
		return info, ErrEmptyAudio
	}
	if opts.RequireMono && info.Channels != 1 {
		return info, ErrNotMono
	}
	dur, err := dec.Duration()
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if dur <= 0 {
		return info, ErrEmptyAudio
	}
	info.Duration = dur
	if dur < opts.MinDuration {
		return info, ErrTooShort
	}
	return info, nil
}
