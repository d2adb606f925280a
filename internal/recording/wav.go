package recording

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// wavHeaderSize is the byte length of the canonical RIFF/WAVE PCM header.
const wavHeaderSize = 44

// wavWriter streams 16-bit PCM into a WAV file. The header is written as a
// placeholder up front and finalised with the real chunk sizes on close, so
// a crash mid-session leaves a file that most tools can still salvage.
type wavWriter struct {
	f          *os.File
	sampleRate int
	channels   int
	dataBytes  uint32
}

func newWAVWriter(f *os.File, sampleRate, channels int) (*wavWriter, error) {
	w := &wavWriter{f: f, sampleRate: sampleRate, channels: channels}
	if err := w.writeHeader(); err != nil {
		return nil, fmt.Errorf("recording: write wav header: %w", err)
	}
	return w, nil
}

func (w *wavWriter) writeHeader() error {
	const bitsPerSample = 16
	blockAlign := w.channels * bitsPerSample / 8

	var hdr [wavHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 36+w.dataBytes)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(w.channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(w.sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(w.sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], bitsPerSample)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], w.dataBytes)

	_, err := w.f.Write(hdr[:])
	return err
}

// writePCM appends samples to the data chunk.
func (w *wavWriter) writePCM(pcm []int16) error {
	buf := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	n, err := w.f.Write(buf)
	w.dataBytes += uint32(n)
	if err != nil {
		return fmt.Errorf("recording: write pcm: %w", err)
	}
	return nil
}

// finalize rewrites the header with the real sizes and closes the file.
func (w *wavWriter) finalize() error {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		w.f.Close()
		return fmt.Errorf("recording: seek for header rewrite: %w", err)
	}
	if err := w.writeHeader(); err != nil {
		w.f.Close()
		return fmt.Errorf("recording: finalise wav header: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("recording: close wav file: %w", err)
	}
	return nil
}
