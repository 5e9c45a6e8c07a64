package service

import (
	"context"
	"sync"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/gosdk/logger"
)

const defaultSampleWindow = 10

// NetworkMonitor tracks connectivity and link quality. It is read by every part
// executor and written by the probe loop, part completions and platform signals.
type NetworkMonitor struct {
	mu        sync.RWMutex
	prober    port.Prober
	cfg       config.NetworkConfig
	now       func() time.Time
	online    bool
	rtt       time.Duration
	checkedAt time.Time
	quality   domain.Quality
	failures  int
	samples   []domain.NetworkSample
	window    int

	// onlineCh is closed while online and replaced when the link drops.
	onlineCh chan struct{}

	listenersMu sync.Mutex
	listeners   map[uint64]func(domain.NetworkStatus)
	nextID      uint64
}

func NewNetworkMonitor(prober port.Prober, cfg config.NetworkConfig) *NetworkMonitor {
	window := cfg.SampleWindow
	if window <= 0 {
		window = defaultSampleWindow
	}
	if cfg.FailuresOffline <= 0 {
		cfg.FailuresOffline = 1
	}
	m := &NetworkMonitor{
		prober:    prober,
		cfg:       cfg,
		now:       time.Now,
		online:    true,
		window:    window,
		onlineCh:  make(chan struct{}),
		listeners: make(map[uint64]func(domain.NetworkStatus)),
	}
	close(m.onlineCh)
	m.quality = m.classifyLocked()
	return m
}

// Status returns a snapshot of the current connectivity.
func (m *NetworkMonitor) Status() domain.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *NetworkMonitor) statusLocked() domain.NetworkStatus {
	est := m.estimateLocked()
	return domain.NetworkStatus{
		Online:        m.online,
		Quality:       m.quality,
		BandwidthMbps: est.BandwidthMbps(),
		RTT:           m.effectiveRTTLocked(),
		CheckedAt:     m.checkedAt,
	}
}

func (m *NetworkMonitor) Quality() domain.Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quality
}

func (m *NetworkMonitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnChange registers a handler fired when connectivity or quality changes.
// Handlers run on the goroutine that observed the change.
func (m *NetworkMonitor) OnChange(handler func(domain.NetworkStatus)) func() {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = handler
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			delete(m.listeners, id)
			m.listenersMu.Unlock()
		})
	}
}

// SetOnline applies a platform connectivity signal.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.update(func() {
		m.setOnlineLocked(online)
		if online {
			m.failures = 0
		}
	})
}

// RecordSample feeds one transfer observation into the window.
func (m *NetworkMonitor) RecordSample(s domain.NetworkSample) {
	if s.At.IsZero() {
		s.At = m.now()
	}
	m.update(func() {
		m.samples = append(m.samples, s)
		if len(m.samples) > m.window {
			m.samples = m.samples[len(m.samples)-m.window:]
		}
	})
}

// Estimate aggregates the sample window with linearly increasing weights so the
// newest sample counts most. Components without data fall back to DefaultEstimate.
func (m *NetworkMonitor) Estimate() domain.NetworkEstimate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.estimateLocked()
}

func (m *NetworkMonitor) estimateLocked() domain.NetworkEstimate {
	est := domain.DefaultEstimate
	if len(m.samples) == 0 {
		return est
	}

	var speedSum, speedWeight float64
	var latencySum, latencyWeight float64
	var successSum, weightSum float64
	for i, s := range m.samples {
		w := float64(i + 1)
		weightSum += w
		if s.Success {
			successSum += w
			if s.Throughput > 0 {
				speedSum += s.Throughput * w
				speedWeight += w
			}
		}
		if s.Latency > 0 {
			latencySum += float64(s.Latency) * w
			latencyWeight += w
		}
	}

	if speedWeight > 0 {
		est.Speed = speedSum / speedWeight
	}
	if latencyWeight > 0 {
		est.Latency = time.Duration(latencySum / latencyWeight)
	}
	est.Reliability = successSum / weightSum
	est.Samples = len(m.samples)
	return est
}

func (m *NetworkMonitor) hasThroughputLocked() bool {
	for _, s := range m.samples {
		if s.Success && s.Throughput > 0 {
			return true
		}
	}
	return false
}

func (m *NetworkMonitor) effectiveRTTLocked() time.Duration {
	if m.rtt > 0 {
		return m.rtt
	}
	for i := len(m.samples) - 1; i >= 0; i-- {
		if m.samples[i].Latency > 0 {
			return m.samples[i].Latency
		}
	}
	return 0
}

func (m *NetworkMonitor) classifyLocked() domain.Quality {
	var mbps float64
	if m.hasThroughputLocked() {
		mbps = m.estimateLocked().BandwidthMbps()
	}
	return domain.ClassifyQuality(m.online, mbps, m.effectiveRTTLocked())
}

func (m *NetworkMonitor) setOnlineLocked(online bool) {
	if m.online == online {
		return
	}
	m.online = online
	if online {
		close(m.onlineCh)
	} else {
		m.onlineCh = make(chan struct{})
	}
}

// update applies fn under the lock, reclassifies and notifies listeners when
// the online flag or the quality bucket changed.
func (m *NetworkMonitor) update(fn func()) {
	m.mu.Lock()
	prevOnline, prevQuality := m.online, m.quality
	fn()
	m.checkedAt = m.now()
	m.quality = m.classifyLocked()
	changed := prevOnline != m.online || prevQuality != m.quality
	status := m.statusLocked()
	m.mu.Unlock()

	if !changed {
		return
	}
	logger.Infow("Network status changed",
		"online", status.Online,
		"quality", string(status.Quality),
		"bandwidth_mbps", status.BandwidthMbps,
		"rtt_ms", status.RTT.Milliseconds(),
	)
	m.notify(status)
}

func (m *NetworkMonitor) notify(status domain.NetworkStatus) {
	m.listenersMu.Lock()
	handlers := make([]func(domain.NetworkStatus), 0, len(m.listeners))
	for _, h := range m.listeners {
		handlers = append(handlers, h)
	}
	m.listenersMu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorw("Network change handler panicked", "panic", r)
				}
			}()
			h(status)
		}()
	}
}

// WaitOnline blocks until the link is up or ctx ends.
func (m *NetworkMonitor) WaitOnline(ctx context.Context) error {
	m.mu.RLock()
	ch := m.onlineCh
	m.mu.RUnlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run probes reachability until ctx ends. The link is declared offline after
// FailuresOffline consecutive probe failures and online after one success.
func (m *NetworkMonitor) Run(ctx context.Context) {
	if m.prober == nil {
		return
	}
	interval := m.cfg.ProbeInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.ProbeOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce runs a single reachability check.
func (m *NetworkMonitor) ProbeOnce(ctx context.Context) {
	rtt, err := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Debugw("Connectivity probe failed", "error", err.Error())
		m.update(func() {
			m.failures++
			if m.failures >= m.cfg.FailuresOffline {
				m.setOnlineLocked(false)
			}
		})
		return
	}

	m.update(func() {
		m.failures = 0
		m.rtt = rtt
		m.setOnlineLocked(true)
	})
}
