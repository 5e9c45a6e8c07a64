package domain

import "time"

// Strategy is the qualitative tag attached to a plan.
type Strategy string

const (
	StrategySpeed       Strategy = "speed"
	StrategyReliability Strategy = "reliability"
	StrategyBalanced    Strategy = "balanced"
)

// TransferPlan is the in-memory part size and parallelism decision for one upload attempt.
type TransferPlan struct {
	PartSize         int64
	Concurrency      int
	ExpectedDuration time.Duration
	Strategy         Strategy
}

// Bottleneck classifies what limits a running transfer.
type Bottleneck string

const (
	BottleneckNone    Bottleneck = "none"
	BottleneckNetwork Bottleneck = "network"
	BottleneckCPU     Bottleneck = "cpu"
	BottleneckMemory  Bottleneck = "memory"
	BottleneckServer  Bottleneck = "server"
)

// LiveStats is a snapshot of a running transfer used for mid-transfer advice.
type LiveStats struct {
	ObservedSpeed  float64 // bytes per second
	ExpectedSpeed  float64 // bytes per second
	ActiveParts    int
	Concurrency    int
	CPUPercent     float64
	MemoryPercent  float64
	RemainingParts int
}

// Advice is an incremental adjustment suggested while parts are in flight.
type Advice struct {
	Bottleneck       Bottleneck
	Efficiency       float64
	ConcurrencyDelta int
	PartSizeFactor   float64
}
