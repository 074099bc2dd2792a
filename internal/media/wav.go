package media

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

var ErrNotWAV = errors.New("not a wav container")

// EncodeWAV wraps raw PCM16LE audio bytes in a WAV container so clients can
// decode without out-of-band negotiation.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVTo(&buf, pcm, sampleRate, channels); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVTo writes raw PCM16LE audio bytes to out as a WAV stream.
func WriteWAVTo(out io.Writer, pcm []byte, sampleRate, channels int) error {
	const (
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(channels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// WAVInfo describes the format of a decoded WAV payload.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DecodeWAV parses a WAV container and returns the raw PCM payload and its
// format. Unknown chunks between fmt and data are skipped.
func DecodeWAV(data []byte) ([]byte, WAVInfo, error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, WAVInfo{}, ErrNotWAV
	}

	var info WAVInfo
	var pcm []byte
	sawFmt := false
	off := 12
	for off+8 <= len(data) {
		chunkID := string(data[off : off+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if chunkSize < 0 || body+chunkSize > len(data) {
			return nil, WAVInfo{}, fmt.Errorf("truncated %q chunk", chunkID)
		}
		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, WAVInfo{}, errors.New("fmt chunk too small")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, WAVInfo{}, fmt.Errorf("unsupported audio format %d (want PCM)", format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			sawFmt = true
		case "data":
			pcm = data[body : body+chunkSize]
		}
		// Chunks are word-aligned.
		off = body + chunkSize + chunkSize%2
	}

	if !sawFmt {
		return nil, WAVInfo{}, errors.New("missing fmt chunk")
	}
	if pcm == nil {
		return nil, WAVInfo{}, errors.New("missing data chunk")
	}
	if info.SampleRate <= 0 || info.Channels <= 0 || info.BitsPerSample <= 0 {
		return nil, WAVInfo{}, errors.New("invalid wav format fields")
	}
	return pcm, info, nil
}

// WAVDuration returns the true decoded duration of a WAV payload.
func WAVDuration(data []byte) (time.Duration, error) {
	pcm, info, err := DecodeWAV(data)
	if err != nil {
		return 0, err
	}
	bytesPerSecond := info.SampleRate * info.Channels * info.BitsPerSample / 8
	if bytesPerSecond <= 0 {
		return 0, errors.New("invalid wav byte rate")
	}
	return time.Duration(float64(len(pcm)) / float64(bytesPerSecond) * float64(time.Second)), nil
}

// PCMFromAudioInput accepts either a WAV container or raw PCM16LE bytes and
// returns the PCM payload. Raw input defaults to 16kHz mono.
func PCMFromAudioInput(data []byte) ([]byte, WAVInfo, error) {
	if pcm, info, err := DecodeWAV(data); err == nil {
		return pcm, info, nil
	} else if !errors.Is(err, ErrNotWAV) {
		return nil, WAVInfo{}, err
	}
	return data, WAVInfo{SampleRate: 16000, Channels: 1, BitsPerSample: 16}, nil
}
