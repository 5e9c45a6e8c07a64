package ledger

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/gosdk/logger"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// DefaultMaxSegmentSize is 4MB
	DefaultMaxSegmentSize = 4 * 1024 * 1024
	SegmentPrefix         = "segment_"
	SegmentSuffix         = ".log"

	// Frame: Len (4) | CRC32 (4) | msgpack batch (Len)
	frameHeaderSize = 8
	maxFrameSize    = 64 * 1024 * 1024
)

var (
	ErrStoreClosed   = errors.New("ledger store closed")
	ErrFrameTooLarge = errors.New("ledger batch too large")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type batchFrame struct {
	Seq uint64     `msgpack:"s"`
	Ops []Mutation `msgpack:"o"`
}

// LogStore is a crash-safe key-value store: every batch is appended to a
// segment file as one checksummed frame and the whole keyspace is rebuilt by
// replaying segments on open.
type LogStore struct {
	fileMu              sync.Mutex
	dirPath             string
	activeFile          *os.File
	activeFileID        uint64
	activeSize          int64
	maxSegmentSize      int64
	fsync               bool
	compactionThreshold int
	seq                 uint64
	ks                  *keyspace
}

// NewLogStore opens the store under cfg.DataDir, replaying existing segments.
func NewLogStore(cfg config.LedgerConfig) (*LogStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	maxSegment := cfg.MaxSegmentSize
	if maxSegment <= 0 {
		maxSegment = DefaultMaxSegmentSize
	}

	s := &LogStore{
		dirPath:             filepath.Clean(cfg.DataDir),
		maxSegmentSize:      maxSegment,
		fsync:               cfg.FSync,
		compactionThreshold: cfg.CompactionThreshold,
		ks:                  newKeyspace(),
	}

	if err := s.replayLogs(); err != nil {
		return nil, fmt.Errorf("failed to replay ledger: %w", err)
	}
	return s, nil
}

func (s *LogStore) segmentPath(id uint64) string {
	return filepath.Join(s.dirPath, fmt.Sprintf("%s%05d%s", SegmentPrefix, id, SegmentSuffix))
}

func (s *LogStore) segmentIDs() ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(s.dirPath, SegmentPrefix+"*"+SegmentSuffix))
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(matches))
	for _, m := range matches {
		var id uint64
		if _, err := fmt.Sscanf(filepath.Base(m), SegmentPrefix+"%d"+SegmentSuffix, &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *LogStore) replayLogs() error {
	ids, err := s.segmentIDs()
	if err != nil {
		return err
	}

	s.activeFileID = 1
	for _, id := range ids {
		if err := s.replaySegment(id); err != nil {
			return err
		}
		s.activeFileID = id
	}
	return s.openActiveFileLocked()
}

func (s *LogStore) replaySegment(id uint64) error {
	path := s.segmentPath(id)
	file, err := os.OpenFile(path, os.O_RDWR, 0600) // #nosec G304
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	reader := bufio.NewReader(file)
	offset := int64(0)
	truncated := false
	header := make([]byte, frameHeaderSize)

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				truncated = true
				break
			}
			return fmt.Errorf("failed to read frame header: %w", err)
		}

		size := binary.BigEndian.Uint32(header[0:4])
		sum := binary.BigEndian.Uint32(header[4:8])
		if size == 0 || size > maxFrameSize {
			truncated = true
			break
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				truncated = true
				break
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}
		if crc32.Checksum(payload, crcTable) != sum {
			truncated = true
			break
		}

		var frame batchFrame
		if err := msgpack.Unmarshal(payload, &frame); err != nil {
			truncated = true
			break
		}

		s.ks.apply(frame.Ops)
		if frame.Seq > s.seq {
			s.seq = frame.Seq
		}
		offset += frameHeaderSize + int64(size)
	}

	if truncated {
		if err := file.Truncate(offset); err != nil {
			return fmt.Errorf("failed to truncate partial segment %d: %w", id, err)
		}
		logger.Warnw("Truncated partial ledger segment tail during replay", "segment_id", id, "valid_bytes", offset)
	}
	return nil
}

func (s *LogStore) openActiveFileLocked() error {
	if s.activeFileID == 0 {
		s.activeFileID = 1
	}
	file, err := os.OpenFile(s.segmentPath(s.activeFileID), os.O_RDWR|os.O_CREATE, 0600) // #nosec G304
	if err != nil {
		return err
	}
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		_ = file.Close()
		return err
	}
	s.activeFile = file
	s.activeSize = size
	return nil
}

func encodeFrame(frame batchFrame) ([]byte, error) {
	payload, err := msgpack.Marshal(&frame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ledger batch: %w", err)
	}
	if len(payload) > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload))) // #nosec G115
	binary.BigEndian.PutUint32(buf[4:8], crc32.Checksum(payload, crcTable))
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

// Apply appends the batch as one frame and publishes it to readers once written.
func (s *LogStore) Apply(batch []Mutation) error {
	if len(batch) == 0 {
		return nil
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if s.activeFile == nil {
		return ErrStoreClosed
	}

	buf, err := encodeFrame(batchFrame{Seq: s.seq + 1, Ops: batch})
	if err != nil {
		return err
	}

	n, err := s.activeFile.Write(buf)
	if err != nil {
		// Cut off whatever part of the frame reached the file.
		_ = s.activeFile.Truncate(s.activeSize)
		_, _ = s.activeFile.Seek(s.activeSize, io.SeekStart)
		return fmt.Errorf("failed to append ledger batch: %w", err)
	}
	if s.fsync {
		if err := s.activeFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync ledger segment: %w", err)
		}
	}

	s.seq++
	s.activeSize += int64(n)
	s.ks.apply(batch)

	if s.activeSize > s.maxSegmentSize {
		s.rotateLocked()
	}
	return nil
}

func (s *LogStore) rotateLocked() {
	_ = s.activeFile.Close()
	s.activeFile = nil
	s.activeFileID++
	if err := s.openActiveFileLocked(); err != nil {
		logger.Errorw("Failed to rotate ledger segment", "segment_id", s.activeFileID, "error", err.Error())
		return
	}

	ids, err := s.segmentIDs()
	if err == nil && s.compactionThreshold > 0 && len(ids) > s.compactionThreshold {
		if err := s.compactLocked(); err != nil {
			logger.Warnw("Ledger compaction failed", "error", err.Error())
		}
	}
}

func (s *LogStore) Get(key string) ([]byte, bool) { return s.ks.get(key) }

func (s *LogStore) Scan(prefix string) []KV { return s.ks.scan(prefix) }

// Compact rewrites the live keyspace into a single fresh segment and removes
// older segments.
func (s *LogStore) Compact() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.activeFile == nil {
		return ErrStoreClosed
	}
	return s.compactLocked()
}

func (s *LogStore) compactLocked() error {
	oldActiveID := s.activeFileID
	buf, err := encodeFrame(batchFrame{Seq: s.seq + 1, Ops: s.ks.snapshot()})
	if err != nil {
		return err
	}

	// Replay of the old segments and the snapshot yields the same keyspace, so a
	// crash at any point below leaves a consistent ledger.
	newID := oldActiveID + 1
	file, err := os.OpenFile(s.segmentPath(newID), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := file.Write(buf); err != nil {
		_ = file.Close()
		_ = os.Remove(s.segmentPath(newID))
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}

	_ = s.activeFile.Close()
	s.activeFile = file
	s.activeFileID = newID
	s.activeSize = int64(len(buf))
	s.seq++

	ids, err := s.segmentIDs()
	if err != nil {
		return err
	}
	removed := 0
	for _, id := range ids {
		if id < newID {
			if err := os.Remove(s.segmentPath(id)); err == nil {
				removed++
			}
		}
	}

	logger.Infow("Ledger compaction finished", "segment_id", newID, "removed_segments", removed, "live_keys", s.ks.len())
	return nil
}

// Snapshot returns every live key, used to seed a fallback store.
func (s *LogStore) Snapshot() []Mutation {
	return s.ks.snapshot()
}

// Close syncs and closes the active segment.
func (s *LogStore) Close() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.activeFile == nil {
		return nil
	}
	_ = s.activeFile.Sync()
	err := s.activeFile.Close()
	s.activeFile = nil
	return err
}

var _ Store = (*LogStore)(nil)
