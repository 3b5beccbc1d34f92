package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV writes clip as a 16-bit PCM WAV container.
func EncodeWAV(w io.WriteSeeker, clip Clip) error {
	if len(clip.PCM)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	channels := clip.Channels
	if channels <= 0 {
		channels = 1
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: clip.SampleRate},
		Data:           clip.Samples(),
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, clip.SampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// DecodeWAV reads a PCM WAV container. Multi-channel input is reduced to its
// first channel; samples of other bit depths are rescaled to 16 bits.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	shift := int(dec.BitDepth) - 16

	samples := make([]int, 0, len(buf.Data)/channels)
	for i := 0; i < len(buf.Data); i += channels {
		s := buf.Data[i]
		switch {
		case shift > 0:
			s >>= shift
		case shift < 0:
			s <<= -shift
		}
		samples = append(samples, s)
	}
	return FromSamples(samples, int(dec.SampleRate), 1), nil
}

// WriteTempWAV stores clip in a scratch WAV file under the OS temp directory.
// The returned cleanup removes the file and must be called on every path.
func WriteTempWAV(clip Clip, pattern string) (string, func(), error) {
	file, err := os.CreateTemp(os.TempDir(), pattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(file.Name()) }

	if err := EncodeWAV(file, clip); err != nil {
		file.Close()
		cleanup()
		return "", func() {}, err
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close temp file: %w", err)
	}
	return file.Name(), cleanup, nil
}
