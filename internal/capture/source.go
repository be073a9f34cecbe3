// SPDX-License-Identifier: MIT
package capture

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// Source is an open input stream producing mono float32 blocks. It must
// never block the audio callback for longer than the cost of a non-blocking
// channel send; when the consumer isn't keeping up the block is dropped and
// Overruns is incremented. This is the only point in the pipeline where
// data loss is tolerated by contract.
type Source struct {
	stream    *portaudio.Stream
	blocks    chan []float32
	overruns  atomic.Uint64
	blockSize int
	channels  int
	raw       []int32
}

// Open opens a blocking-callback input stream at sampleRate Hz, blockSize
// frames per callback, on the first device matching preferredNames (substring,
// case-insensitive, checked in order), falling back to the system default
// input device. Returns ErrDeviceBusy, ErrDeviceNotFound, or
// ErrUnsupportedRate on failure to open.
func Open(sampleRate, blockSize int, preferredNames []string) (*Source, error) {
	device, err := selectDevice(preferredNames)
	if err != nil {
		return nil, err
	}

	channels := device.MaxInputChannels
	if channels < 1 {
		channels = 1
	}

	s := &Source{
		blocks:    make(chan []float32, 2),
		blockSize: blockSize,
		channels:  channels,
		raw:       make([]int32, blockSize*channels),
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: channels,
			Device:   device,
			Latency:  device.DefaultLowInputLatency,
		},
		FramesPerBuffer: blockSize,
		SampleRate:      float64(sampleRate),
	}

	stream, err := portaudio.OpenStream(params, s.callback)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("capture: start stream: %w", err)
	}

	s.stream = stream
	return s, nil
}

func classifyOpenError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	case strings.Contains(msg, "sample rate") || strings.Contains(msg, "format"):
		return fmt.Errorf("%w: %v", ErrUnsupportedRate, err)
	case strings.Contains(msg, "device") && strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("capture: open stream: %w", err)
	}
}

// callback is invoked by PortAudio on a dedicated real-time thread. It takes
// channel 0 of the input frame (mono downmix-by-selection, per contract),
// normalizes to float32 in [-1, 1), and hands the block to the consumer
// without ever blocking.
func (s *Source) callback(in []int32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	copy(s.raw, in)

	block := make([]float32, s.blockSize)
	const normFactor = 1.0 / float32(0x80000000)
	for i := 0; i < s.blockSize; i++ {
		block[i] = float32(s.raw[i*s.channels]) * normFactor
	}

	select {
	case s.blocks <- block:
	default:
		s.overruns.Add(1)
	}
}

// Blocks returns the channel of mono float32 blocks. Closed when the
// source is closed.
func (s *Source) Blocks() <-chan []float32 {
	return s.blocks
}

// Overruns returns the number of blocks dropped because the consumer was
// not ready to receive.
func (s *Source) Overruns() uint64 {
	return s.overruns.Load()
}

// Close stops and closes the underlying stream and closes the blocks
// channel. Safe to call once; a second call is a no-op.
func (s *Source) Close() error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Stop()
	if closeErr := s.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	s.stream = nil
	close(s.blocks)
	if err != nil {
		return fmt.Errorf("capture: close stream: %w", err)
	}
	return nil
}
