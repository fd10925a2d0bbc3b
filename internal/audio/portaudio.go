package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

type portAudioCapture struct {
	mu     sync.Mutex
	stream *portaudio.Stream
}

// New creates a new PortAudio-based audio capture
func New() (Capture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioCapture{}, nil
}

func (p *portAudioCapture) findDevice(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == deviceID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

func (p *portAudioCapture) Start(ctx context.Context, deviceID string, sampleRate, frames int, out chan<- []int16, errs chan<- error) error {
	device, err := p.findDevice(deviceID)
	if err != nil {
		return err
	}

	// Prefer mono; loopback and monitor sources are often stereo-only.
	channels := 1
	buffer := make([]int16, frames)
	stream, err := openInput(device, sampleRate, frames, channels, buffer)
	if err != nil && device.MaxInputChannels >= 2 {
		channels = 2
		buffer = make([]int16, frames*channels)
		stream, err = openInput(device, sampleRate, frames, channels, buffer)
	}
	if err != nil {
		return fmt.Errorf("failed to open audio stream on %q: %w", device.Name, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	p.mu.Lock()
	p.stream = stream
	p.mu.Unlock()

	// Read loop
	go func() {
		defer func() {
			p.mu.Lock()
			if p.stream == stream {
				p.stream = nil
			}
			p.mu.Unlock()
			stream.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				stream.Stop()
				return
			default:
			}

			if err := stream.Read(); err != nil {
				if errors.Is(err, portaudio.InputOverflowed) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				select {
				case errs <- fmt.Errorf("audio device %q: %w", device.Name, err):
				default:
				}
				return
			}

			samples := downmixInterleaved(buffer, channels, frames)

			select {
			case out <- samples:
			case <-ctx.Done():
				stream.Stop()
				return
			default:
				// Drop if channel full (backpressure)
			}
		}
	}()

	return nil
}

func openInput(device *portaudio.DeviceInfo, sampleRate, frames, channels int, buffer []int16) (*portaudio.Stream, error) {
	return portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: frames,
	}, buffer)
}

// downmixInterleaved averages interleaved channels into a fresh mono slice.
func downmixInterleaved(in []int16, channels, frames int) []int16 {
	out := make([]int16, frames)
	if channels <= 1 {
		copy(out, in)
		return out
	}
	for f := 0; f < frames; f++ {
		var sum int32
		base := f * channels
		for c := 0; c < channels; c++ {
			sum += int32(in[base+c])
		}
		out[f] = int16(sum / int32(channels))
	}
	return out
}

func (p *portAudioCapture) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return p.stream.Stop()
	}
	return nil
}

func (p *portAudioCapture) ListDevices() ([]AudioDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]AudioDevice, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, AudioDevice{
				ID:      d.Name,
				Name:    d.Name,
				Default: defaultDevice != nil && d.Name == defaultDevice.Name,
			})
		}
	}

	return result, nil
}

func (p *portAudioCapture) Close() error {
	p.Stop()
	return portaudio.Terminate()
}
