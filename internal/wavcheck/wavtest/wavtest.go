// Package wavtest writes PCM WAV fixtures.
package wavtest

import (
	"math"
	"os"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Write creates a 16-bit PCM sine recording at path.
func Write(tb testing.TB, path string, seconds float64, sampleRate, channels int) {
	tb.Helper()
	f, err := os.Create(path)
	if err != nil {
		tb.Fatal(err)
	}
	defer f.Close()

	frames := int(seconds * float64(sampleRate))
	data := make([]int, 0, frames*channels)
	for i := 0; i < frames; i++ {
		v := int(0.2 * math.Sin(2*math.Pi*120*float64(i)/float64(sampleRate)) * 32767)
		for c := 0; c < channels; c++ {
			data = append(data, v)
		}
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		tb.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		tb.Fatal(err)
	}
}
