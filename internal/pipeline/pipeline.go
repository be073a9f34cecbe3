// SPDX-License-Identifier: MIT

// Package pipeline implements DevicePipeline: it owns one device's
// AudioSource, FFTProcessor, StreamThrottler, and Broadcaster, and drives
// the one-way data flow between them on a dedicated goroutine. Grounded in
// the teacher repository's engine goroutine (audio callback feeding a
// processing loop via a channel) generalized with an explicit state
// machine and auto-restart supervision.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"ultrasonic/internal/broadcast"
	"ultrasonic/internal/capture"
	"ultrasonic/internal/dsp"
	"ultrasonic/internal/frame"
	"ultrasonic/internal/log"
	"ultrasonic/internal/throttle"
)

// State is a DevicePipeline's lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// AudioConfig controls the capture and FFT side of a pipeline. Every field
// is restart-only: applying a change always tears down and reopens the
// audio stream.
type AudioConfig struct {
	SampleRate      int
	FFTSize         int
	BlockSize       int
	WindowKind      dsp.WindowKind
	OverlapFraction float64
	DeviceNames     []string
}

// StreamConfig controls the throttling and encoding side of a pipeline.
// Every field is hot: applying a change never requires a restart.
type StreamConfig struct {
	TargetFps             int
	CompressionLevel      int
	MagnitudeThresholdDb  float64
	ThresholdDb           float64
	SimilarityThreshold   float64
	EnableSmartSkip       bool
	EnableAdaptiveFps     bool
	MinAdaptiveFps        int
	MaxAdaptiveFps        int
}

// Status is a point-in-time snapshot of a pipeline's observable state.
type Status struct {
	State           State
	AudioConfig     AudioConfig
	StreamConfig    StreamConfig
	ObservedFps     float64
	TotalFrames     uint64
	TotalDropped    uint64
	Overruns        uint64
	UptimeMs        int64
	SubscriberCount  int
	RestartCount     int
	LastError        string
	CompressionRatio float64
}

// autoRestartBackoff is the fixed backoff schedule for transient AudioSource
// failures: three attempts before the pipeline gives up and stops.
var autoRestartBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Pipeline is one device's full capture-to-broadcast chain.
type Pipeline struct {
	mu sync.Mutex

	stableID string
	log      *log.DeviceLogger

	state     State
	audioCfg  AudioConfig
	streamCfg StreamConfig

	source      *capture.Source
	processor   *dsp.Processor
	throttler   *throttle.Throttler
	broadcaster *broadcast.Broadcaster

	startedAt    time.Time
	restartCount int
	lastError    error

	totalFrames      atomic.Uint64
	compressionRatio atomic.Uint64 // math.Float64bits of the most recent wire frame's ratio

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pipeline in the Stopped state. The Broadcaster is
// created once here and lives for the Pipeline's entire lifetime, so
// subscribers stay attached across stop/start and auto-restart cycles.
func New(stableID string, audioCfg AudioConfig, streamCfg StreamConfig) (*Pipeline, error) {
	if err := validateAudioConfig(audioCfg); err != nil {
		return nil, err
	}
	if err := validateStreamConfig(streamCfg); err != nil {
		return nil, err
	}
	return &Pipeline{
		stableID:    stableID,
		log:         log.Device(stableID),
		audioCfg:    audioCfg,
		streamCfg:   streamCfg,
		broadcaster: broadcast.New(broadcast.DefaultQueueCapacity),
	}, nil
}

func validateAudioConfig(c AudioConfig) error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("pipeline: sample rate must be positive, got %d", c.SampleRate)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("pipeline: block size must be positive, got %d", c.BlockSize)
	}
	return nil
}

func validateStreamConfig(c StreamConfig) error {
	if c.TargetFps <= 0 {
		return fmt.Errorf("pipeline: target fps must be positive, got %d", c.TargetFps)
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return fmt.Errorf("pipeline: compression level must be in [1, 9], got %d", c.CompressionLevel)
	}
	if c.EnableAdaptiveFps && (c.MinAdaptiveFps <= 0 || c.MaxAdaptiveFps < c.MinAdaptiveFps) {
		return fmt.Errorf("pipeline: invalid adaptive fps range [%d, %d]", c.MinAdaptiveFps, c.MaxAdaptiveFps)
	}
	return nil
}

func throttleConfigFrom(c StreamConfig) throttle.Config {
	return throttle.Config{
		TargetFps:            c.TargetFps,
		MagnitudeThresholdDb: c.MagnitudeThresholdDb,
		SimilarityThreshold:  c.SimilarityThreshold,
		EnableSmartSkip:      c.EnableSmartSkip,
		EnableAdaptiveFps:    c.EnableAdaptiveFps,
		MinAdaptiveFps:       c.MinAdaptiveFps,
		MaxAdaptiveFps:       c.MaxAdaptiveFps,
	}
}

// Start opens the audio stream and begins processing. Idempotent if
// already Running; fails fast if Starting or Stopping.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	switch p.state {
	case Running:
		p.mu.Unlock()
		return nil
	case Stopped:
		p.state = Starting
	default:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("pipeline %s: cannot start while %s", p.stableID, state)
	}
	p.mu.Unlock()

	if err := p.open(); err != nil {
		p.mu.Lock()
		p.state = Stopped
		p.lastError = err
		p.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.state = Running
	p.startedAt = time.Now()
	p.lastError = nil
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// open creates a fresh AudioSource, FFTProcessor, and StreamThrottler from
// the current configuration.
func (p *Pipeline) open() error {
	p.mu.Lock()
	audioCfg := p.audioCfg
	streamCfg := p.streamCfg
	p.mu.Unlock()

	src, err := capture.Open(audioCfg.SampleRate, audioCfg.BlockSize, audioCfg.DeviceNames)
	if err != nil {
		return err
	}
	proc, err := dsp.New(audioCfg.FFTSize, float64(audioCfg.SampleRate), audioCfg.WindowKind, audioCfg.OverlapFraction, streamCfg.ThresholdDb)
	if err != nil {
		src.Close()
		return err
	}
	th, err := throttle.New(throttleConfigFrom(streamCfg))
	if err != nil {
		src.Close()
		return err
	}

	p.mu.Lock()
	p.source = src
	p.processor = proc
	p.throttler = th
	p.mu.Unlock()
	return nil
}

// reopen replaces only the AudioSource, preserving the FFTProcessor and
// StreamThrottler so the sequence counter and window buffer survive an
// auto-restart. Used exclusively by the run loop's transient-failure path.
func (p *Pipeline) reopen() error {
	p.mu.Lock()
	audioCfg := p.audioCfg
	old := p.source
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	src, err := capture.Open(audioCfg.SampleRate, audioCfg.BlockSize, audioCfg.DeviceNames)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.source = src
	p.mu.Unlock()
	return nil
}

// Stop cancels the processing goroutine, waits up to a 2s grace period,
// then forcibly detaches the audio handle. Idempotent if already Stopped.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	switch p.state {
	case Stopped:
		p.mu.Unlock()
		return nil
	case Running:
		p.state = Stopping
	default:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("pipeline %s: cannot stop while %s", p.stableID, state)
	}
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		p.log.Warnf("grace period exceeded waiting for processing loop to exit, forcing detach")
	}

	p.mu.Lock()
	if p.source != nil {
		p.source.Close()
		p.source = nil
	}
	p.processor = nil
	p.throttler = nil
	p.state = Stopped
	p.mu.Unlock()
	return nil
}

// Restart is Stop followed by Start.
func (p *Pipeline) Restart() error {
	if err := p.Stop(); err != nil {
		return err
	}
	return p.Start()
}

// UpdateStreamConfig applies patch's set fields. Every StreamConfig field is
// hot, so restartIfNeeded has no effect today; it is accepted to keep the
// call site stable if a future field requires one.
func (p *Pipeline) UpdateStreamConfig(patch StreamConfigPatch, restartIfNeeded bool) error {
	p.mu.Lock()
	next := patch.apply(p.streamCfg)
	p.mu.Unlock()

	if err := validateStreamConfig(next); err != nil {
		return err
	}

	p.mu.Lock()
	p.streamCfg = next
	th := p.throttler
	proc := p.processor
	p.mu.Unlock()

	if th != nil {
		if err := th.UpdateConfig(throttleConfigFrom(next)); err != nil {
			return err
		}
	}
	if proc != nil {
		proc.SetThresholdDb(next.ThresholdDb)
	}
	return nil
}

// UpdateAudioConfig applies patch's set fields and always restarts the
// pipeline if it was running; subscribers remain attached throughout.
func (p *Pipeline) UpdateAudioConfig(patch AudioConfigPatch) error {
	p.mu.Lock()
	next := patch.apply(p.audioCfg)
	wasRunning := p.state == Running
	p.mu.Unlock()

	if err := validateAudioConfig(next); err != nil {
		return err
	}

	p.mu.Lock()
	p.audioCfg = next
	p.mu.Unlock()

	if !wasRunning {
		return nil
	}
	if err := p.Stop(); err != nil {
		return err
	}
	return p.Start()
}

// Status returns a snapshot of the pipeline's current observable state.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	var uptimeMs int64
	if p.state == Running && !p.startedAt.IsZero() {
		uptimeMs = time.Since(p.startedAt).Milliseconds()
	}

	var observedFps float64
	if p.throttler != nil {
		observedFps = p.throttler.Stats().ObservedFps
	}

	var overruns uint64
	if p.source != nil {
		overruns = p.source.Overruns()
	}

	bsnap := p.broadcaster.Snapshot()

	errStr := ""
	if p.lastError != nil {
		errStr = p.lastError.Error()
	}

	return Status{
		State:            p.state,
		AudioConfig:      p.audioCfg,
		StreamConfig:     p.streamCfg,
		ObservedFps:      observedFps,
		TotalFrames:      p.totalFrames.Load(),
		TotalDropped:     bsnap.TotalDropped,
		Overruns:         overruns,
		UptimeMs:         uptimeMs,
		SubscriberCount:  bsnap.SubscriberCount,
		RestartCount:     p.restartCount,
		LastError:        errStr,
		CompressionRatio: math.Float64frombits(p.compressionRatio.Load()),
	}
}

// Subscribe registers a new frame subscriber on this pipeline's Broadcaster.
func (p *Pipeline) Subscribe() *broadcast.Subscriber { return p.broadcaster.Subscribe() }

// Unsubscribe removes a subscriber previously returned by Subscribe.
func (p *Pipeline) Unsubscribe(id string) { p.broadcaster.Unsubscribe(id) }

// run drives the capture -> FFT -> throttle -> encode -> broadcast chain
// until ctx is cancelled, transparently reopening the AudioSource on a
// transient failure up to len(autoRestartBackoff) times.
func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		lastBlockAt := time.Now()
		blockInterval := p.blockInterval()

		closed := p.drain(ctx, lastBlockAt, blockInterval)
		if ctx.Err() != nil {
			return
		}
		if !closed {
			return
		}
		if !p.attemptAutoRestart(ctx) {
			return
		}
	}
}

// drain reads blocks from the current AudioSource until ctx is cancelled or
// the source's channel closes. Returns true if the channel closed (a
// transient failure, since an explicit Stop cancels ctx first).
func (p *Pipeline) drain(ctx context.Context, lastBlockAt time.Time, blockInterval time.Duration) bool {
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return false
		case block, ok := <-src.Blocks():
			if !ok {
				return true
			}
			now := time.Now()
			wait := now.Sub(lastBlockAt)
			lastBlockAt = now
			p.processBlock(block, wait, blockInterval)
		}
	}
}

func (p *Pipeline) processBlock(block []float32, wait, blockInterval time.Duration) {
	p.mu.Lock()
	proc := p.processor
	th := p.throttler
	compressionLevel := p.streamCfg.CompressionLevel
	p.mu.Unlock()

	th.RecordProducerWait(wait, blockInterval)

	for _, f := range proc.Push(block) {
		seq, fps, ok := th.Evaluate(f)
		if !ok {
			continue
		}
		p.totalFrames.Add(1)

		sf := frame.SpectrumFrame{
			SequenceId:      seq,
			TimestampMs:     f.TimestampMs,
			SampleRate:      f.SampleRate,
			FFTSize:         f.FFTSize,
			BinsCount:       f.BinsCount,
			MagnitudesDb:    f.MagnitudesDb,
			PeakFrequencyHz: f.PeakFrequencyHz,
			PeakMagnitudeDb: f.PeakMagnitudeDb,
			SplDb:           f.SplDb,
			Fps:             fps,
		}
		w, err := frame.Encode(sf, compressionLevel)
		if err != nil {
			p.log.Errorf("encode frame seq=%d: %v", seq, err)
			continue
		}
		if w.OriginalSizeBytes > 0 {
			ratio := float64(w.DataSizeBytes) / float64(w.OriginalSizeBytes)
			p.compressionRatio.Store(math.Float64bits(ratio))
		}
		p.broadcaster.Publish(w)
	}
}

func (p *Pipeline) attemptAutoRestart(ctx context.Context) bool {
	for _, backoff := range autoRestartBackoff {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := p.reopen(); err != nil {
			p.mu.Lock()
			p.lastError = err
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		p.restartCount++
		p.lastError = nil
		p.mu.Unlock()
		p.log.Warnf("auto-restart succeeded after transient audio source failure")
		return true
	}

	p.mu.Lock()
	p.state = Stopped
	if p.lastError == nil {
		p.lastError = fmt.Errorf("pipeline %s: auto-restart exhausted after %d attempts", p.stableID, len(autoRestartBackoff))
	}
	p.mu.Unlock()
	p.log.Errorf("auto-restart exhausted after %d attempts, stopping", len(autoRestartBackoff))
	return false
}

func (p *Pipeline) blockInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audioCfg.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(p.audioCfg.BlockSize) / float64(p.audioCfg.SampleRate) * float64(time.Second))
}
