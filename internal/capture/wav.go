package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrNoDevice is returned by the default provider: no microphone backend is
// compiled in, so live capture needs a file source.
var ErrNoDevice = errors.New("no audio input device available")

// NoDevice is the provider used when no source is configured.
var NoDevice = ProviderFunc(func(context.Context) (Device, error) {
	return nil, ErrNoDevice
})

// WAVProvider replays a PCM WAV file as if it were a live microphone. Each
// ReadChunk returns the samples that would have been recorded since the
// previous read, encoded as 16-bit little-endian PCM.
type WAVProvider struct {
	Path string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Open implements Provider.
func (p WAVProvider) Open(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("open wav source: %w", err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("open wav source %s: not a valid wav file", p.Path)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek wav pcm data: %w", err)
	}

	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &wavDevice{
		file:     f,
		dec:      dec,
		rate:     int(dec.SampleRate),
		channels: int(dec.NumChans),
		depth:    int(dec.BitDepth),
		now:      now,
		last:     now(),
	}, nil
}

type wavDevice struct {
	file     *os.File
	dec      *wav.Decoder
	rate     int
	channels int
	depth    int

	now    func() time.Time
	last   time.Time
	paused bool
	done   bool
	closed bool
}

func (d *wavDevice) ReadChunk() ([]byte, error) {
	if d.closed || d.done {
		return nil, io.EOF
	}
	if d.paused {
		return nil, nil
	}

	now := d.now()
	elapsed := now.Sub(d.last)
	d.last = now
	frames := int(elapsed.Seconds() * float64(d.rate))
	if frames <= 0 {
		return nil, nil
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: d.channels, SampleRate: d.rate},
		Data:           make([]int, frames*d.channels),
		SourceBitDepth: d.depth,
	}
	n, err := d.dec.PCMBuffer(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read wav pcm: %w", err)
	}
	if n < len(buf.Data) {
		d.done = true
	}
	if n == 0 {
		return nil, io.EOF
	}

	out := encodePCM16(buf.Data[:n], d.depth)
	if d.done {
		return out, io.EOF
	}
	return out, nil
}

func (d *wavDevice) Pause() error {
	d.paused = true
	return nil
}

func (d *wavDevice) Resume() error {
	d.paused = false
	d.last = d.now()
	return nil
}

func (d *wavDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.file.Close()
}

// encodePCM16 normalizes samples of the given bit depth to signed 16-bit.
func encodePCM16(samples []int, depth int) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		switch depth {
		case 8:
			s = (s - 128) << 8
		case 24:
			s >>= 8
		case 32:
			s >>= 16
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}
	return out
}
