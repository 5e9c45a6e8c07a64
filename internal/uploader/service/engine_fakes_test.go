package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
)

// zeroSource serves size zero bytes without allocating them.
type zeroSource struct{ size int64 }

func (z zeroSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= z.size {
		return 0, io.EOF
	}
	n := len(p)
	if remaining := z.size - off; int64(n) > remaining {
		n = int(remaining)
	}
	clear(p[:n])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (z zeroSource) Close() error { return nil }
func (z zeroSource) Size() int64  { return z.size }

type memSources struct {
	mu    sync.Mutex
	files map[string]int64
}

func newMemSources() *memSources {
	return &memSources{files: make(map[string]int64)}
}

func (m *memSources) add(path string, size int64) {
	m.mu.Lock()
	m.files[path] = size
	m.mu.Unlock()
}

func (m *memSources) Describe(_ context.Context, path string) (port.SourceDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.files[path]
	if !ok {
		return port.SourceDescriptor{}, fmt.Errorf("stat %s: no such file or directory", path)
	}
	return port.SourceDescriptor{Path: path, Name: filepath.Base(path), Size: size, MimeType: "video/mp4"}, nil
}

func (m *memSources) Open(ctx context.Context, desc port.SourceDescriptor) (port.Source, error) {
	d, err := m.Describe(ctx, desc.Path)
	if err != nil {
		return nil, err
	}
	return zeroSource{size: d.Size}, nil
}

// putBehavior decides the outcome of one Put before the body is consumed.
type putBehavior func(ctx context.Context, call int, target port.PartTarget) error

func blockUntilCancelled(ctx context.Context, _ int, _ port.PartTarget) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeTransport struct {
	mu       sync.Mutex
	behavior putBehavior
	calls    map[int]int
	total    int
	inflight int
	peak     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: make(map[int]int)}
}

func (f *fakeTransport) setBehavior(b putBehavior) {
	f.mu.Lock()
	f.behavior = b
	f.mu.Unlock()
}

func (f *fakeTransport) Put(ctx context.Context, target port.PartTarget, body io.Reader, size int64) (string, error) {
	f.mu.Lock()
	f.total++
	call := f.total
	f.calls[target.PartIndex]++
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	behavior := f.behavior
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if behavior != nil {
		if err := behavior(ctx, call, target); err != nil {
			return "", err
		}
	}
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return "", err
	}
	if n != size {
		return "", fmt.Errorf("short body: %d of %d bytes", n, size)
	}
	return fmt.Sprintf(`"etag-%d"`, target.PartIndex), nil
}

func (f *fakeTransport) callsFor(part int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[part]
}

func (f *fakeTransport) stats() (total, inflight, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, f.inflight, f.peak
}

type fakeDestination struct {
	mu          sync.Mutex
	authorizes  int
	refreshes   int
	aborts      int
	completed   [][]domain.PartResult
	credentials []string
}

func (d *fakeDestination) authorization(req port.AuthorizeRequest) *port.Authorization {
	total := domain.PartCount(req.FileSize, req.PartSize)
	targets := make([]port.PartTarget, 0, total)
	for i := 1; i <= total; i++ {
		targets = append(targets, port.PartTarget{PartIndex: i, URL: fmt.Sprintf("https://dest.test/%s/%d", req.UploadID, i)})
	}
	handle := req.TransferHandle
	if handle == "" {
		handle = "handle-" + req.UploadID
	}
	return &port.Authorization{
		TransferHandle: handle,
		StoragePath:    "uploads/" + req.UploadID + "/" + req.FileName,
		PartSize:       req.PartSize,
		TotalParts:     total,
		Targets:        targets,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
}

func (d *fakeDestination) Authorize(_ context.Context, req port.AuthorizeRequest) (*port.Authorization, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authorizes++
	d.credentials = append(d.credentials, req.Credential)
	return d.authorization(req), nil
}

func (d *fakeDestination) Refresh(_ context.Context, req port.AuthorizeRequest) (*port.Authorization, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshes++
	d.credentials = append(d.credentials, req.Credential)
	return d.authorization(req), nil
}

func (d *fakeDestination) Complete(_ context.Context, req port.FinalizeRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completed = append(d.completed, append([]domain.PartResult(nil), req.Parts...))
	return req.StoragePath, nil
}

func (d *fakeDestination) Abort(context.Context, port.FinalizeRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aborts++
	return nil
}

func (d *fakeDestination) counts() (authorizes, refreshes, aborts, completes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authorizes, d.refreshes, d.aborts, len(d.completed)
}

func (d *fakeDestination) lastCompleted() []domain.PartResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.completed) == 0 {
		return nil
	}
	return d.completed[len(d.completed)-1]
}

func (d *fakeDestination) seenCredentials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.credentials...)
}

type fakeReporter struct {
	mu          sync.Mutex
	completions []domain.Completion
}

func (r *fakeReporter) Report(_ context.Context, c domain.Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, c)
	return nil
}

func (r *fakeReporter) reported() []domain.Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Completion(nil), r.completions...)
}

type countingWakeLock struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (w *countingWakeLock) Acquire(context.Context, string) error {
	w.acquired.Add(1)
	return nil
}

func (w *countingWakeLock) Release(string) {
	w.released.Add(1)
}

type fixedCredentials string

func (c fixedCredentials) Credential(context.Context, string) (string, error) {
	return string(c), nil
}

type sequenceIDs struct{ next atomic.Int64 }

func (s *sequenceIDs) NextString() (string, error) {
	return strconv.FormatInt(100+s.next.Add(1), 10), nil
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) add(ev domain.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) of(id string) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, ev := range l.events {
		if ev.Upload() == id {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) has(id string, t domain.EventType) bool {
	for _, ev := range l.of(id) {
		if ev.Type() == t {
			return true
		}
	}
	return false
}

func eventsOf[T domain.Event](l *eventLog, id string) []T {
	var out []T
	for _, ev := range l.of(id) {
		if typed, ok := ev.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}
