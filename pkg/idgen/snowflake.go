package idgen

import (
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

const (
	// 64-bit layout: 1 sign bit, 41 bits of milliseconds since Epoch,
	// 10 bits of node id, 12 bits of per-millisecond sequence.
	nodeBits     = 10
	sequenceBits = 12

	maxNodeID   = -1 ^ (-1 << nodeBits)
	maxSequence = -1 ^ (-1 << sequenceBits)

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits

	// Epoch is 2024-01-01 00:00:00 UTC.
	Epoch = 1704067200000

	// DefaultSkewTolerance is how far the clock may step back before Next fails.
	DefaultSkewTolerance = 5 * time.Millisecond

	// maxClockWait bounds how long Next waits for the next millisecond once a
	// millisecond's sequence is used up.
	maxClockWait = 50 * time.Millisecond
)

var (
	ErrNodeIDTooLarge = errors.New("node ID too large")
	ErrClockMovedBack = errors.New("clock moved backwards")
	ErrClockStalled   = errors.New("clock did not advance")
)

// Snowflake generates unique, time-ordered 64-bit upload ids.
type Snowflake struct {
	mu       sync.Mutex
	clock    Clock
	nodeID   int64
	lastTime int64
	sequence int64
	skew     int64
}

// New creates a generator. A nil clock uses the system clock.
func New(nodeID int64, clock Clock) (*Snowflake, error) {
	if nodeID < 0 || nodeID > int64(maxNodeID) {
		return nil, ErrNodeIDTooLarge
	}
	if clock == nil {
		clock = &SystemClock{}
	}
	return &Snowflake{
		clock:    clock,
		nodeID:   nodeID,
		lastTime: -1,
		skew:     DefaultSkewTolerance.Milliseconds(),
	}, nil
}

// SetSkewTolerance changes how far the clock may step back before Next fails.
func (s *Snowflake) SetSkewTolerance(d time.Duration) {
	s.mu.Lock()
	s.skew = d.Milliseconds()
	s.mu.Unlock()
}

// Next generates the next id.
func (s *Snowflake) Next() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if now < s.lastTime {
		if s.lastTime-now > s.skew {
			return 0, ErrClockMovedBack
		}
		// Small step back (NTP slew): keep issuing on the last timestamp.
		now = s.lastTime
	}

	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & int64(maxSequence)
		if s.sequence == 0 {
			next, err := s.waitUntil(s.lastTime + 1)
			if err != nil {
				// Keep the sequence exhausted so the next call waits again.
				s.sequence = int64(maxSequence)
				return 0, err
			}
			now = next
		}
	} else {
		s.sequence = 0
	}
	s.lastTime = now

	return ((now - Epoch) << timestampShift) | (s.nodeID << nodeShift) | s.sequence, nil
}

// NextString returns the next id in decimal form.
func (s *Snowflake) NextString() (string, error) {
	id, err := s.Next()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *Snowflake) waitUntil(ts int64) (int64, error) {
	deadline := time.Now().Add(maxClockWait)
	now := s.clock.Now()
	for now < ts {
		if time.Now().After(deadline) {
			return 0, ErrClockStalled
		}
		time.Sleep(100 * time.Microsecond)
		now = s.clock.Now()
	}
	return now, nil
}

// NodeIDFromString folds an arbitrary name into the node id range.
func NodeIDFromString(name string) int64 {
	return int64(murmur3.Sum32([]byte(name)) & maxNodeID)
}

// HostNodeID derives the node id from the host name, so separate installs
// sharing a destination rarely collide.
func HostNodeID() int64 {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return NodeIDFromString(host)
}
