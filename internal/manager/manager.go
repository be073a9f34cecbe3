// SPDX-License-Identifier: MIT

// Package manager implements DeviceManager: the process-wide supervisor
// owning the DeviceRegistry and every stable ID's DevicePipeline, exposing
// the public per-device, batch, and system operations. Grounded in the
// teacher repository's engine-as-owner-of-subsystems structure, generalized
// from one audio device to a dynamic map of independently lifecycled ones.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"

	"ultrasonic/internal/broadcast"
	"ultrasonic/internal/capture"
	"ultrasonic/internal/config"
	"ultrasonic/internal/dsp"
	"ultrasonic/internal/log"
	"ultrasonic/internal/pipeline"
	"ultrasonic/internal/registry"
)

// ErrMaxConcurrentDevices is returned by Start when starting would exceed
// the configured concurrency cap.
var ErrMaxConcurrentDevices = fmt.Errorf("manager: max concurrent devices reached")

// ErrPipelineRunning is returned by Remove when the target pipeline is not
// Stopped and force was not requested.
var ErrPipelineRunning = fmt.Errorf("manager: pipeline is running, stop it first or use force")

// ErrDeviceConflict is returned by Start when the underlying system device
// index is already claimed by a different stable ID's running pipeline.
// OS-level device reindexing can otherwise let two stable IDs race for the
// same physical input.
var ErrDeviceConflict = fmt.Errorf("manager: system device already claimed by another running pipeline")

// cleanupMaxMissed is the number of consecutive enumerations a device may
// go unseen before Cleanup considers removing its descriptor.
const cleanupMaxMissed = 5

// janitorInterval is how often the background resource monitor sweeps for
// stale or failed pipelines.
const janitorInterval = 30 * time.Second

// errorCountAutoCleanupThreshold is the auto-restart count at or above which
// the janitor removes a pipeline that is Stopped.
const errorCountAutoCleanupThreshold = 3

// metrics groups the manager's Prometheus instruments; registered once per
// Manager so multiple managers in the same process (e.g. in tests) don't
// collide on the default registerer.
type metrics struct {
	framesEmittedTotal *prometheus.CounterVec
	subscribersCurrent *prometheus.GaugeVec
	pipelinesRunning   prometheus.Gauge
	compressionRatio   *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		framesEmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrasonic_frames_emitted_total",
			Help: "Total spectrum frames emitted by a device pipeline.",
		}, []string{"stable_id"}),
		subscribersCurrent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ultrasonic_subscribers_current",
			Help: "Current number of subscribers attached to a device pipeline.",
		}, []string{"stable_id"}),
		pipelinesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ultrasonic_pipelines_running",
			Help: "Number of device pipelines currently in the Running state.",
		}),
		compressionRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ultrasonic_frame_compression_ratio",
			Help: "Most recent compressed/original byte ratio for a device pipeline's wire frames.",
		}, []string{"stable_id"}),
	}
}

// SystemStatus reports process-wide, cross-pipeline state.
type SystemStatus struct {
	RunningCount int
	TotalCount   int
	CPUPercent   float64
	UptimeMs     int64
}

// Manager owns the registry and every stable ID's Pipeline.
type Manager struct {
	mu        sync.Mutex
	registry  *registry.Registry
	pipelines map[string]*pipeline.Pipeline

	audioDefaults  config.AudioDefaults
	streamDefaults config.StreamDefaults
	maxConcurrent  int

	metrics        *metrics
	lastTotalFrame map[string]uint64
	promReg        *prometheus.Registry

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a Manager backed by reg and seeded with cfg's defaults. It
// starts the background janitor goroutine immediately. promReg is the
// registry Prometheus metrics are registered into; the caller serves it via
// promhttp using Manager.PromRegistry.
func New(cfg *config.Config, reg *registry.Registry, promReg *prometheus.Registry) *Manager {
	m := &Manager{
		registry:       reg,
		pipelines:      make(map[string]*pipeline.Pipeline),
		audioDefaults:  cfg.Audio,
		streamDefaults: cfg.Stream,
		maxConcurrent:  cfg.MaxConcurrentDevices,
		metrics:        newMetrics(promReg),
		lastTotalFrame: make(map[string]uint64),
		promReg:        promReg,
		startedAt:      time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.runJanitor(ctx)

	return m
}

// PromRegistry returns the Prometheus registry this Manager's metrics are
// registered into, for serving via promhttp in the façade.
func (m *Manager) PromRegistry() *prometheus.Registry { return m.promReg }

// Close stops the janitor and every running pipeline.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
	m.StopAll()
}

func (m *Manager) runJanitor(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep removes Stopped pipelines whose RestartCount (successful
// auto-restarts over the pipeline's lifetime) has reached
// errorCountAutoCleanupThreshold, and cleans up registry descriptors not
// seen recently and not owned. A pipeline that stopped after failing every
// reopen attempt has no successful restarts and is not removed here.
func (m *Manager) sweep() {
	m.mu.Lock()
	var toRemove []string
	for id, p := range m.pipelines {
		st := p.Status()
		if st.State == pipeline.Stopped && st.RestartCount >= errorCountAutoCleanupThreshold {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toRemove {
		log.Device(id).Warnf("janitor: removing stopped pipeline with at least %d auto-restarts", errorCountAutoCleanupThreshold)
		m.Remove(id, true)
	}

	m.registry.Cleanup(cleanupMaxMissed, func(stableID string) bool {
		m.mu.Lock()
		_, owned := m.pipelines[stableID]
		m.mu.Unlock()
		return owned
	})
	if err := m.registry.Persist(); err != nil {
		log.Warnf("manager: janitor persist: %v", err)
	}
}

// ListDevices returns every known device descriptor.
func (m *Manager) ListDevices() []registry.Descriptor {
	return m.registry.List()
}

// RefreshDevices re-enumerates the OS's audio devices, merges into the
// registry, and persists the result.
func (m *Manager) RefreshDevices() ([]registry.Descriptor, error) {
	osDevices, err := capture.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("manager: refresh devices: %w", err)
	}
	descs := m.registry.Enumerate(osDevices)
	if err := m.registry.Persist(); err != nil {
		return descs, fmt.Errorf("manager: persist after refresh: %w", err)
	}
	return descs, nil
}

func (m *Manager) runningCountLocked() int {
	n := 0
	for _, p := range m.pipelines {
		if p.Status().State != pipeline.Stopped {
			n++
		}
	}
	return n
}

// defaultAudioConfig derives a pipeline.AudioConfig from the manager's
// configured defaults.
func (m *Manager) defaultAudioConfig() pipeline.AudioConfig {
	kind, err := dsp.ParseWindowKind(m.audioDefaults.WindowKind)
	if err != nil {
		kind = dsp.Hann
	}
	return pipeline.AudioConfig{
		SampleRate:      m.audioDefaults.SampleRate,
		FFTSize:         m.audioDefaults.FFTSize,
		BlockSize:       m.audioDefaults.BlockSize,
		WindowKind:      kind,
		OverlapFraction: m.audioDefaults.OverlapFraction,
		DeviceNames:     m.audioDefaults.DeviceNames,
	}
}

func (m *Manager) defaultStreamConfig() pipeline.StreamConfig {
	s := m.streamDefaults
	return pipeline.StreamConfig{
		TargetFps:            s.TargetFps,
		CompressionLevel:     s.CompressionLevel,
		MagnitudeThresholdDb: s.MagnitudeThresholdDb,
		ThresholdDb:          s.ThresholdDb,
		SimilarityThreshold:  s.SimilarityThreshold,
		EnableSmartSkip:      s.EnableSmartSkip,
		EnableAdaptiveFps:    s.EnableAdaptiveFps,
		MinAdaptiveFps:       s.MinAdaptiveFps,
		MaxAdaptiveFps:       s.MaxAdaptiveFps,
	}
}

// getOrCreate returns the pipeline for stableID, lazily creating it from
// the descriptor's device name merged with the manager's configured
// defaults. Must be called with m.mu held.
func (m *Manager) getOrCreateLocked(stableID string) (*pipeline.Pipeline, error) {
	if p, ok := m.pipelines[stableID]; ok {
		return p, nil
	}
	desc, err := m.registry.Resolve(stableID)
	if err != nil {
		return nil, fmt.Errorf("manager: resolve %s: %w", stableID, err)
	}

	audioCfg := m.defaultAudioConfig()
	audioCfg.DeviceNames = append([]string{desc.Name}, audioCfg.DeviceNames...)

	p, err := pipeline.New(stableID, audioCfg, m.defaultStreamConfig())
	if err != nil {
		return nil, err
	}
	m.pipelines[stableID] = p
	return p, nil
}

// Start lazily creates (if absent) and starts the pipeline for stableID,
// subject to the MaxConcurrentDevices cap.
func (m *Manager) Start(stableID string) error {
	m.mu.Lock()
	if _, ok := m.pipelines[stableID]; !ok {
		if m.runningCountLocked() >= m.maxConcurrent {
			m.mu.Unlock()
			return ErrMaxConcurrentDevices
		}
	} else if m.pipelines[stableID].Status().State == pipeline.Stopped && m.runningCountLocked() >= m.maxConcurrent {
		m.mu.Unlock()
		return ErrMaxConcurrentDevices
	}
	if m.conflictsWithRunningLocked(stableID) {
		m.mu.Unlock()
		return ErrDeviceConflict
	}
	p, err := m.getOrCreateLocked(stableID)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return p.Start()
}

// conflictsWithRunningLocked reports whether stableID's system device index
// is already claimed by a different stable ID with a Running pipeline. Must
// be called with m.mu held.
func (m *Manager) conflictsWithRunningLocked(stableID string) bool {
	desc, err := m.registry.Resolve(stableID)
	if err != nil {
		return false
	}
	for id, p := range m.pipelines {
		if id == stableID || p.Status().State != pipeline.Running {
			continue
		}
		other, err := m.registry.Resolve(id)
		if err != nil {
			continue
		}
		if other.SystemIndex == desc.SystemIndex {
			return true
		}
	}
	return false
}

// Stop stops the pipeline for stableID, if it exists.
func (m *Manager) Stop(stableID string) error {
	p, err := m.pipelineFor(stableID)
	if err != nil {
		return err
	}
	return p.Stop()
}

// Restart restarts the pipeline for stableID, if it exists.
func (m *Manager) Restart(stableID string) error {
	p, err := m.pipelineFor(stableID)
	if err != nil {
		return err
	}
	return p.Restart()
}

// Remove deletes the pipeline for stableID. It must be Stopped unless
// force is true, in which case it is stopped first.
func (m *Manager) Remove(stableID string, force bool) error {
	m.mu.Lock()
	p, ok := m.pipelines[stableID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if p.Status().State != pipeline.Stopped && !force {
		m.mu.Unlock()
		return ErrPipelineRunning
	}
	m.mu.Unlock()

	if err := p.Stop(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.pipelines, stableID)
	delete(m.lastTotalFrame, stableID)
	m.mu.Unlock()
	return nil
}

// GetStatus returns the status of the pipeline for stableID.
func (m *Manager) GetStatus(stableID string) (pipeline.Status, error) {
	p, err := m.pipelineFor(stableID)
	if err != nil {
		return pipeline.Status{}, err
	}
	st := p.Status()

	m.mu.Lock()
	delta := st.TotalFrames - m.lastTotalFrame[stableID]
	m.lastTotalFrame[stableID] = st.TotalFrames
	m.mu.Unlock()
	if delta > 0 {
		m.metrics.framesEmittedTotal.WithLabelValues(stableID).Add(float64(delta))
	}

	m.metrics.subscribersCurrent.WithLabelValues(stableID).Set(float64(st.SubscriberCount))
	if st.CompressionRatio > 0 {
		m.metrics.compressionRatio.WithLabelValues(stableID).Set(st.CompressionRatio)
	}
	return st, nil
}

// Subscribe attaches a new subscriber to the pipeline for stableID.
func (m *Manager) Subscribe(stableID string) (*broadcast.Subscriber, error) {
	p, err := m.pipelineFor(stableID)
	if err != nil {
		return nil, err
	}
	sub := p.Subscribe()
	m.metrics.subscribersCurrent.WithLabelValues(stableID).Set(float64(p.Status().SubscriberCount))
	return sub, nil
}

// Unsubscribe detaches subscriberID from the pipeline for stableID.
func (m *Manager) Unsubscribe(stableID, subscriberID string) error {
	p, err := m.pipelineFor(stableID)
	if err != nil {
		return err
	}
	p.Unsubscribe(subscriberID)
	m.metrics.subscribersCurrent.WithLabelValues(stableID).Set(float64(p.Status().SubscriberCount))
	return nil
}

// UpdateStream applies a hot StreamConfig patch to the pipeline for
// stableID.
func (m *Manager) UpdateStream(stableID string, patch pipeline.StreamConfigPatch, restartIfNeeded bool) error {
	p, err := m.pipelineFor(stableID)
	if err != nil {
		return err
	}
	return p.UpdateStreamConfig(patch, restartIfNeeded)
}

// UpdateAudio applies an AudioConfig patch to the pipeline for stableID,
// restarting it if it was running.
func (m *Manager) UpdateAudio(stableID string, patch pipeline.AudioConfigPatch) error {
	p, err := m.pipelineFor(stableID)
	if err != nil {
		return err
	}
	return p.UpdateAudioConfig(patch)
}

func (m *Manager) pipelineFor(stableID string) (*pipeline.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[stableID]
	if !ok {
		return nil, fmt.Errorf("manager: no pipeline for %s", stableID)
	}
	return p, nil
}

// StopAll stops every known pipeline; the first error encountered, if any,
// is returned after every pipeline has been attempted.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	pipelines := make([]*pipeline.Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		pipelines = append(pipelines, p)
	}
	m.mu.Unlock()

	var firstErr error
	for _, p := range pipelines {
		if err := p.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BatchStart starts every ID in ids, collecting per-ID errors.
func (m *Manager) BatchStart(ids []string) map[string]error {
	out := make(map[string]error, len(ids))
	for _, id := range ids {
		out[id] = m.Start(id)
	}
	return out
}

// BatchStop stops every ID in ids, collecting per-ID errors.
func (m *Manager) BatchStop(ids []string) map[string]error {
	out := make(map[string]error, len(ids))
	for _, id := range ids {
		out[id] = m.Stop(id)
	}
	return out
}

// Cleanup runs the registry's stale-descriptor sweep immediately, outside
// the janitor's normal interval.
func (m *Manager) Cleanup() []string {
	removed := m.registry.Cleanup(cleanupMaxMissed, func(stableID string) bool {
		m.mu.Lock()
		_, owned := m.pipelines[stableID]
		m.mu.Unlock()
		return owned
	})
	if err := m.registry.Persist(); err != nil {
		log.Warnf("manager: cleanup persist: %v", err)
	}
	return removed
}

// SystemStatus reports process-wide counters and current CPU utilization.
func (m *Manager) SystemStatus() SystemStatus {
	m.mu.Lock()
	total := len(m.pipelines)
	running := m.runningCountLocked()
	m.mu.Unlock()

	m.metrics.pipelinesRunning.Set(float64(running))

	var cpuPct float64
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		cpuPct = percentages[0]
	}

	return SystemStatus{
		RunningCount: running,
		TotalCount:   total,
		CPUPercent:   cpuPct,
		UptimeMs:     time.Since(m.startedAt).Milliseconds(),
	}
}

// StartDefault starts the first running pipeline, or a pipeline bound to
// the lowest system-index descriptor if none are running yet. Part of the
// legacy single-stream surface for clients that predate multi-device
// support.
func (m *Manager) StartDefault() (string, error) {
	m.mu.Lock()
	for id, p := range m.pipelines {
		if p.Status().State == pipeline.Running {
			m.mu.Unlock()
			return id, nil
		}
	}
	m.mu.Unlock()

	descs := m.registry.List()
	if len(descs) == 0 {
		return "", fmt.Errorf("manager: no known devices to bind the default stream to")
	}
	best := descs[0]
	for _, d := range descs[1:] {
		if d.SystemIndex < best.SystemIndex {
			best = d
		}
	}
	if err := m.Start(best.StableID); err != nil {
		return "", err
	}
	return best.StableID, nil
}

// StopDefault stops whichever pipeline is currently running, if any.
func (m *Manager) StopDefault() error {
	m.mu.Lock()
	var running string
	for id, p := range m.pipelines {
		if p.Status().State == pipeline.Running {
			running = id
			break
		}
	}
	m.mu.Unlock()
	if running == "" {
		return nil
	}
	return m.Stop(running)
}

// SubscribeDefault subscribes to whichever pipeline StartDefault would pick.
func (m *Manager) SubscribeDefault() (string, *broadcast.Subscriber, error) {
	id, err := m.StartDefault()
	if err != nil {
		return "", nil, err
	}
	sub, err := m.Subscribe(id)
	return id, sub, err
}
