package mic

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
)

var ErrNoInputDevice = errors.New("no audio input device available")

// Format describes the capture stream. The realtime transcription
// endpoint expects 16kHz mono PCM16, so that is the default.
type Format struct {
	SampleRate     int
	Channels       int
	FramesPerChunk int
}

func DefaultFormat() Format {
	return Format{
		SampleRate:     16000,
		Channels:       1,
		FramesPerChunk: 6400, // ~400ms at 16kHz
	}
}

// ChunkBytes is the size of one emitted chunk in bytes (16-bit samples).
func (f Format) ChunkBytes() int {
	return f.FramesPerChunk * f.Channels * 2
}

// ChunkDuration is the wall-clock span of audio covered by one chunk.
func (f Format) ChunkDuration() time.Duration {
	return time.Duration(f.FramesPerChunk) * time.Second /
		time.Duration(f.SampleRate)
}

type Device struct {
	Index      int
	Name       string
	Channels   int
	SampleRate float64
}

// Stream owns the PortAudio input stream. Chunks are pulled by the
// consumer via ReadChunk; nothing is captured between pulls beyond what
// the device buffers internally.
type Stream struct {
	format    Format
	pa        *portaudio.Stream
	buf       []int16
	logger    *log.Logger
	closeOnce sync.Once
	closeErr  error
}

// Open initializes PortAudio and starts capturing from the input device
// with the given index, or the default input device when index < 0.
func Open(format Format, deviceIndex int, logger *log.Logger) (*Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	device, err := inputDevice(deviceIndex)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = format.FramesPerChunk

	buf := make([]int16, format.FramesPerChunk*format.Channels)
	pa, err := portaudio.OpenStream(params, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}

	if err := pa.Start(); err != nil {
		pa.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	logger.Info("listening", "device", device.Name,
		"rate", format.SampleRate, "chunk", format.ChunkDuration())

	return &Stream{
		format: format,
		pa:     pa,
		buf:    buf,
		logger: logger,
	}, nil
}

func inputDevice(index int) (*portaudio.DeviceInfo, error) {
	if index < 0 {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, ErrNoInputDevice
		}
		return device, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if index >= len(devices) || devices[index].MaxInputChannels < 1 {
		return nil, fmt.Errorf("%w: index %d", ErrNoInputDevice, index)
	}
	return devices[index], nil
}

// ReadChunk blocks until the device has filled one chunk buffer, then
// returns it as little-endian PCM16 bytes. The returned slice is a fresh
// copy; the caller owns it. Cancelling ctx stops further device reads.
func (s *Stream) ReadChunk(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.pa.Read(); err != nil {
		if err == portaudio.InputOverflowed {
			// Overflow drops samples but the buffer is still usable.
			s.logger.Debug("input overflowed")
		} else {
			return nil, fmt.Errorf("device read: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return pcmBytes(s.buf), nil
}

// Close releases the device. Safe to call more than once and from a
// different goroutine than ReadChunk.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if err := s.pa.Stop(); err != nil {
			s.closeErr = err
		}
		if err := s.pa.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		portaudio.Terminate()
		s.logger.Debug("microphone released")
	})
	return s.closeErr
}

// pcmBytes converts samples to little-endian PCM16 wire bytes.
func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}

// Devices lists the available audio input devices.
func Devices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	all, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var devices []Device
	for i, info := range all {
		if info.MaxInputChannels < 1 {
			continue
		}
		devices = append(devices, Device{
			Index:      i,
			Name:       info.Name,
			Channels:   info.MaxInputChannels,
			SampleRate: info.DefaultSampleRate,
		})
	}
	return devices, nil
}

// FindDevice resolves a device spec that is either a numeric index or a
// device name. An empty spec selects the default input device (-1).
func FindDevice(spec string) (int, error) {
	if spec == "" {
		return -1, nil
	}
	if index, err := strconv.Atoi(spec); err == nil {
		return index, nil
	}
	devices, err := Devices()
	if err != nil {
		return -1, err
	}
	return matchDevice(devices, spec)
}

func matchDevice(devices []Device, name string) (int, error) {
	for _, device := range devices {
		if device.Name == name {
			return device.Index, nil
		}
	}
	return -1, fmt.Errorf("%w: no device named %q", ErrNoInputDevice, name)
}
