package service

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/gosdk/logger"
)

const (
	mib = int64(1024 * 1024)
	gib = 1024 * mib

	MinPartSize = 5 * mib
	MaxPartSize = 100 * mib
	MaxParts    = 10000

	fastLink = 10 * 1024 * 1024 // bytes per second
	slowLink = 1 * 1024 * 1024

	highLatency = 500 * time.Millisecond
)

// Optimizer turns a file size and a network estimate into a transfer plan and
// advises on running transfers.
type Optimizer struct {
	ceiling         int
	perPartOverhead time.Duration
	stats           port.SystemStats

	mu   sync.Mutex
	bias float64 // part size factor carried from advice into the next plan
}

// minCeiling keeps parallel parts available on small hosts; part transfers wait
// on the network, not the CPU.
const minCeiling = 4

// hardwareCeiling is twice the CPU count, never below minCeiling.
func hardwareCeiling(cpus int) int {
	return max(2*cpus, minCeiling)
}

// NewOptimizer bounds concurrency by the configured maximum, or by the
// hardware ceiling when none is configured.
func NewOptimizer(cfg config.OptimizerConfig, stats port.SystemStats) *Optimizer {
	ceiling := cfg.MaxConcurrency
	if ceiling <= 0 {
		ceiling = hardwareCeiling(runtime.NumCPU())
	}
	return &Optimizer{
		ceiling:         ceiling,
		perPartOverhead: cfg.PerPartOverhead(),
		stats:           stats,
		bias:            1,
	}
}

// RecordAdvice keeps the part size factor of the latest advice for the next plan.
func (o *Optimizer) RecordAdvice(advice domain.Advice) {
	if advice.PartSizeFactor <= 0 {
		return
	}
	o.mu.Lock()
	o.bias = math.Max(0.5, math.Min(2, advice.PartSizeFactor))
	o.mu.Unlock()
}

func (o *Optimizer) partSizeBias() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bias
}

// Ceiling is the largest concurrency the optimizer will plan or advise.
func (o *Optimizer) Ceiling() int {
	return o.ceiling
}

// Plan derives part size, concurrency, expected duration and strategy.
func (o *Optimizer) Plan(fileSize int64, est domain.NetworkEstimate) domain.TransferPlan {
	partSize := scalePartSize(PartSizeFor(fileSize, est), fileSize, o.partSizeBias())
	parts := domain.PartCount(fileSize, partSize)
	concurrency := o.concurrencyFor(fileSize, parts, est)

	return domain.TransferPlan{
		PartSize:         partSize,
		Concurrency:      concurrency,
		ExpectedDuration: o.expectedDuration(fileSize, parts, concurrency, est),
		Strategy:         StrategyFor(fileSize, est),
	}
}

// PartSizeFor picks the part size tier and adjusts it for link speed.
func PartSizeFor(fileSize int64, est domain.NetworkEstimate) int64 {
	var size int64
	switch {
	case fileSize <= 100*mib:
		size = 5 * mib
	case fileSize <= 500*mib:
		size = 10 * mib
	case fileSize <= 2*gib:
		size = 25 * mib
	case fileSize <= 10*gib:
		size = 50 * mib
	default:
		size = 100 * mib
	}

	switch {
	case est.Speed >= fastLink:
		size *= 2
	case est.Speed > 0 && est.Speed < slowLink:
		if est.Latency >= highLatency {
			// Round trips dominate: fewer, larger requests.
			size = size * 3 / 2
		} else {
			size /= 2
		}
	}

	if size < MinPartSize {
		size = MinPartSize
	}
	if size > MaxPartSize {
		size = MaxPartSize
	}
	if floor := (fileSize + MaxParts - 1) / MaxParts; size < floor {
		size = floor
	}
	return size
}

func scalePartSize(size, fileSize int64, factor float64) int64 {
	if factor == 1 {
		return size
	}
	size = int64(float64(size) * factor)
	if size < MinPartSize {
		size = MinPartSize
	}
	if size > MaxPartSize {
		size = MaxPartSize
	}
	if floor := (fileSize + MaxParts - 1) / MaxParts; size < floor {
		size = floor
	}
	return size
}

func (o *Optimizer) concurrencyFor(fileSize int64, parts int, est domain.NetworkEstimate) int {
	var c int
	switch {
	case fileSize <= 100*mib:
		c = 3
	case fileSize <= gib:
		c = 4
	case fileSize <= 5*gib:
		c = 6
	default:
		c = 8
	}

	switch {
	case est.Speed >= fastLink:
		c += 2
	case est.Speed > 0 && est.Speed < slowLink:
		c--
	}

	switch {
	case est.Reliability < 0.7:
		c -= 2
	case est.Reliability < 0.9:
		c--
	}

	if c > o.ceiling {
		c = o.ceiling
	}
	if c > parts {
		c = parts
	}
	if c < 1 {
		c = 1
	}
	return c
}

func (o *Optimizer) expectedDuration(fileSize int64, parts, concurrency int, est domain.NetworkEstimate) time.Duration {
	speed := est.Speed
	if speed <= 0 {
		speed = domain.DefaultEstimate.Speed
	}
	transfer := float64(fileSize) / speed * float64(time.Second)
	batches := math.Ceil(float64(parts) / float64(concurrency))
	requests := batches * float64(est.Latency)
	overhead := float64(parts) * float64(o.perPartOverhead)

	reliability := math.Max(0, math.Min(1, est.Reliability))
	total := (transfer + requests + overhead) * (1 + (1 - reliability))
	return time.Duration(total)
}

// StrategyFor tags the plan.
func StrategyFor(fileSize int64, est domain.NetworkEstimate) domain.Strategy {
	switch {
	case est.Reliability < 0.8:
		return domain.StrategyReliability
	case fileSize >= gib && est.Speed >= 5*float64(mib) && est.Reliability >= 0.95:
		return domain.StrategySpeed
	default:
		return domain.StrategyBalanced
	}
}

// Advice thresholds.
const (
	cpuSaturated    = 90.0
	memorySaturated = 90.0
	efficientRatio  = 0.8
	poorRatio       = 0.5
)

// Advise classifies what limits a running transfer and suggests incremental
// adjustments. Host saturation wins over link efficiency.
func (o *Optimizer) Advise(ctx context.Context, live domain.LiveStats) domain.Advice {
	if o.stats != nil && live.CPUPercent == 0 && live.MemoryPercent == 0 {
		cpuPct, memPct, err := o.stats.Sample(ctx)
		if err != nil {
			logger.Debugw("System stats unavailable", "error", err.Error())
		} else {
			live.CPUPercent, live.MemoryPercent = cpuPct, memPct
		}
	}

	advice := domain.Advice{Bottleneck: domain.BottleneckNone, Efficiency: 1, PartSizeFactor: 1}
	if live.ExpectedSpeed > 0 {
		advice.Efficiency = live.ObservedSpeed / live.ExpectedSpeed
	}
	saturated := live.Concurrency > 0 && live.ActiveParts >= live.Concurrency

	switch {
	case live.CPUPercent >= cpuSaturated:
		advice.Bottleneck = domain.BottleneckCPU
		advice.ConcurrencyDelta = -1
	case live.MemoryPercent >= memorySaturated:
		advice.Bottleneck = domain.BottleneckMemory
		advice.ConcurrencyDelta = -1
		advice.PartSizeFactor = 0.5
	case advice.Efficiency >= efficientRatio:
		if saturated && live.RemainingParts > live.Concurrency && live.Concurrency < o.ceiling {
			advice.ConcurrencyDelta = 1
		}
	case advice.Efficiency < poorRatio && !saturated:
		// Free slots yet little throughput: requests are waiting on the server.
		advice.Bottleneck = domain.BottleneckServer
		advice.ConcurrencyDelta = -1
		advice.PartSizeFactor = 1.5
	case advice.Efficiency < poorRatio:
		advice.Bottleneck = domain.BottleneckNetwork
		advice.ConcurrencyDelta = -1
	default:
		advice.Bottleneck = domain.BottleneckNetwork
		advice.PartSizeFactor = 0.75
	}

	if live.Concurrency+advice.ConcurrencyDelta < 1 {
		advice.ConcurrencyDelta = 0
	}
	return advice
}
