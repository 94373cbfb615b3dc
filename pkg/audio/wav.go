package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned when a file is not a decodable PCM WAV.
var ErrInvalidWAV = errors.New("audio: invalid wav file")

// WriteWAV writes 16-bit PCM to path as a WAV file. On failure the partially
// written file is removed.
func WriteWAV(path string, pcm []byte, format Format) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create wav: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("audio: close wav: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	return EncodeWAV(f, pcm, format)
}

// EncodeWAV writes 16-bit PCM as a WAV stream to w.
func EncodeWAV(w io.WriteSeeker, pcm []byte, format Format) error {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return fmt.Errorf("audio: encode wav: invalid format %s", formatString(format.SampleRate, format.Channels))
	}
	enc := wav.NewEncoder(w, format.SampleRate, 16, format.Channels, 1)

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		_ = enc.Close()
		return fmt.Errorf("audio: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize wav: %w", err)
	}
	return nil
}

// ReadWAV decodes the WAV file at path into 16-bit PCM in its native format.
func ReadWAV(path string) ([]byte, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: open wav: %w", err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV decodes a PCM WAV stream of 8, 16, 24 or 32 bits into 16-bit PCM.
func DecodeWAV(r io.ReadSeeker) ([]byte, Format, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, Format{}, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, Format{}, ErrInvalidWAV
	}

	depth := int(dec.BitDepth)
	pcm := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(to16(v, depth)))
	}
	return pcm, Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}, nil
}

func to16(v, depth int) int16 {
	switch depth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}
