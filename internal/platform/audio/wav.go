// Package audio provides the capture.AudioSource implementations and the WAV
// encoding the transcription service expects.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is 16 kHz mono signed 16-bit PCM.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// BytesPerSecond is the raw PCM data rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// EncodeWAV wraps little-endian 16-bit PCM in a WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if f.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d", f.BitDepth)
	}
	buf := &seekBuffer{}
	enc := wav.NewEncoder(buf, f.SampleRate, f.BitDepth, f.Channels, 1)
	samples := &goaudio.IntBuffer{
		Data:           pcm16ToInts(pcm),
		Format:         &goaudio.Format{SampleRate: f.SampleRate, NumChannels: f.Channels},
		SourceBitDepth: f.BitDepth,
	}
	if err := enc.Write(samples); err != nil {
		return nil, fmt.Errorf("write wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	return buf.data, nil
}

// pcm16ToInts drops a trailing odd byte.
func pcm16ToInts(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}

// seekBuffer is an in-memory io.WriteSeeker; the encoder seeks back to patch
// chunk sizes on Close.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.data) {
		if end > cap(b.data) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.data)
			b.data = grown
		} else {
			b.data = b.data[:end]
		}
	}
	copy(b.data[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.pos) + offset
	case io.SeekEnd:
		abs = int64(len(b.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	b.pos = int(abs)
	return abs, nil
}
