package domain

import "time"

// Quality is a coarse network-health bucket.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// Quality thresholds on bandwidth (megabits per second) and round-trip time.
const (
	ExcellentMinMbps = 50.0
	GoodMinMbps      = 10.0
	FairMinMbps      = 2.0

	ExcellentMaxRTT = 50 * time.Millisecond
	GoodMaxRTT      = 150 * time.Millisecond
	FairMaxRTT      = 400 * time.Millisecond
)

// ClassifyQuality buckets a connection. A zero bandwidth means no throughput has
// been measured yet and only the round-trip time is considered.
func ClassifyQuality(online bool, bandwidthMbps float64, rtt time.Duration) Quality {
	if !online {
		return QualityPoor
	}
	if bandwidthMbps <= 0 {
		switch {
		case rtt <= 0:
			return QualityGood
		case rtt <= ExcellentMaxRTT:
			return QualityExcellent
		case rtt <= GoodMaxRTT:
			return QualityGood
		case rtt <= FairMaxRTT:
			return QualityFair
		default:
			return QualityPoor
		}
	}
	switch {
	case bandwidthMbps >= ExcellentMinMbps && rtt <= ExcellentMaxRTT:
		return QualityExcellent
	case bandwidthMbps >= GoodMinMbps && rtt <= GoodMaxRTT:
		return QualityGood
	case bandwidthMbps >= FairMinMbps && rtt <= FairMaxRTT:
		return QualityFair
	default:
		return QualityPoor
	}
}

// NetworkStatus is a point-in-time view of connectivity.
type NetworkStatus struct {
	Online        bool          `json:"online"`
	Quality       Quality       `json:"quality"`
	BandwidthMbps float64       `json:"bandwidth_mbps"`
	RTT           time.Duration `json:"rtt"`
	CheckedAt     time.Time     `json:"checked_at"`
}

// NetworkSample is one observation of transfer performance, captured per
// completed part or connectivity probe.
type NetworkSample struct {
	Throughput float64       // bytes per second, zero for probes
	Latency    time.Duration // round trip
	Success    bool
	At         time.Time
}

// NetworkEstimate aggregates recent samples for planning.
type NetworkEstimate struct {
	Speed       float64 // bytes per second
	Latency     time.Duration
	Reliability float64 // 0..1
	Samples     int
}

// BandwidthMbps converts the estimated speed to megabits per second.
func (e NetworkEstimate) BandwidthMbps() float64 {
	return e.Speed * 8 / 1e6
}

// DefaultEstimate is assumed before any sample is collected: a "good" link.
var DefaultEstimate = NetworkEstimate{
	Speed:       2.5 * 1024 * 1024,
	Latency:     100 * time.Millisecond,
	Reliability: 0.95,
}
