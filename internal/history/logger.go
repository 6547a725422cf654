// Package history implements the append-only envelope history log.
//
// Every admission decision and every delivery attempt inside a space is
// recorded here, one JSON object per line. The log is the authoritative
// oracle for tests and replay: received, delivered, failed, and dropped
// events for envelopes land in envelope-history.jsonl, and every
// capability admission decision (granted or denied) lands in
// capability-decisions.jsonl.
//
// Records carry a monotonic per-space sequence number and are never
// mutated. Writes funnel through a single writer goroutine per space;
// rotation by size produces numbered siblings that the replay reader
// consumes in order.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/envelope"
)

// Event classifies one history record.
type Event string

const (
	EventReceived  Event = "received"
	EventDelivered Event = "delivered"
	EventFailed    Event = "failed"
	EventDropped   Event = "dropped"
)

// Canonical file names inside a space directory.
const (
	EnvelopeLogName = "envelope-history.jsonl"
	DecisionLogName = "capability-decisions.jsonl"
)

// Record is one line of the envelope history log.
type Record struct {
	Seq           uint64    `json:"seq"`
	Event         Event     `json:"event"`
	TS            time.Time `json:"ts"`
	EnvelopeID    string    `json:"envelope_id"`
	From          string    `json:"from"`
	To            []string  `json:"to,omitempty"`
	Kind          string    `json:"kind"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID []string  `json:"correlation_id,omitempty"`
	StreamID      string    `json:"stream_id,omitempty"`
}

// DecisionRecord is one line of the capability decision log.
type DecisionRecord struct {
	Seq           uint64    `json:"seq"`
	TS            time.Time `json:"ts"`
	EnvelopeID    string    `json:"envelope_id"`
	From          string    `json:"from"`
	Kind          string    `json:"kind"`
	Allowed       bool      `json:"allowed"`
	CapabilityID  string    `json:"capability_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	EffectiveCaps []string  `json:"effective_capability_ids,omitempty"`
}

// Options tunes the logger. Zero values select the defaults.
type Options struct {
	MaxFileSize   int64         // rotation threshold, default 8 MiB
	FlushInterval time.Duration // default 250ms
	Logger        *slog.Logger
}

// Logger is the per-space history writer. All appends are funneled through
// one goroutine so record order matches routing order and the files need
// no external locking.
type Logger struct {
	dir  string
	opts Options
	log  *slog.Logger

	entries chan entry
	done    chan struct{}

	mu      sync.Mutex
	seq     uint64
	envFile *appendFile
	decFile *appendFile
	closed  bool
}

type entry struct {
	line  []byte
	file  *appendFile
	flush chan struct{} // non-nil for explicit flush barriers
}

// appendFile wraps one rotating JSONL target.
type appendFile struct {
	path    string
	f       *os.File
	size    int64
	maxSize int64
	sibling int // next rotation suffix
}

// New creates the logger for a space directory, creating the directory if
// needed, and starts the writer goroutine. Sequence numbering continues
// from the existing log when the gateway restarts over old state.
func New(dir string, opts Options) (*Logger, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 8 << 20
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create space directory: %w", err)
	}

	envFile, err := openAppend(filepath.Join(dir, EnvelopeLogName), opts.MaxFileSize)
	if err != nil {
		return nil, err
	}
	decFile, err := openAppend(filepath.Join(dir, DecisionLogName), opts.MaxFileSize)
	if err != nil {
		envFile.f.Close()
		return nil, err
	}

	l := &Logger{
		dir:     dir,
		opts:    opts,
		log:     opts.Logger,
		entries: make(chan entry, 256),
		done:    make(chan struct{}),
		seq:     lastSequence(filepath.Join(dir, EnvelopeLogName)),
		envFile: envFile,
		decFile: decFile,
	}
	go l.writer()
	return l, nil
}

func openAppend(path string, maxSize int64) (*appendFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &appendFile{
		path:    path,
		f:       f,
		size:    info.Size(),
		maxSize: maxSize,
		sibling: nextSibling(path),
	}, nil
}

// Append records one envelope event. Blocks only when the writer queue is
// full, which keeps record order identical to routing order.
//
// The lock is held across the channel send so Close cannot close the
// channel between the closed check and the send.
func (l *Logger) Append(ev Event, env *envelope.Envelope, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.seq++
	rec := Record{
		Seq:           l.seq,
		Event:         ev,
		TS:            time.Now().UTC(),
		EnvelopeID:    env.ID,
		From:          env.From,
		To:            env.To,
		Kind:          env.Kind,
		Reason:        reason,
		CorrelationID: env.CorrelationID,
	}

	line, err := json.Marshal(rec)
	if err != nil {
		l.log.Error("failed to marshal history record", "envelope_id", env.ID, "error", err)
		return
	}
	l.entries <- entry{line: line, file: l.envFile}
}

// AppendDelivered records one delivery to a single recipient.
func (l *Logger) AppendDelivered(env *envelope.Envelope, recipient string) {
	clone := *env
	clone.To = []string{recipient}
	l.Append(EventDelivered, &clone, "")
}

// AppendFrameDropped records one rejected stream frame. Frames carry no
// envelope id, so the stream id identifies the drop.
func (l *Logger) AppendFrameDropped(streamID, from, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.seq++
	rec := Record{
		Seq:      l.seq,
		Event:    EventDropped,
		TS:       time.Now().UTC(),
		From:     from,
		Kind:     "stream/frame",
		Reason:   reason,
		StreamID: streamID,
	}

	line, err := json.Marshal(rec)
	if err != nil {
		l.log.Error("failed to marshal frame drop record", "stream_id", streamID, "error", err)
		return
	}
	l.entries <- entry{line: line, file: l.envFile}
}

// Decision records one admission decision, granted or denied.
func (l *Logger) Decision(env *envelope.Envelope, d capability.Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.seq++
	rec := DecisionRecord{
		Seq:           l.seq,
		TS:            time.Now().UTC(),
		EnvelopeID:    env.ID,
		From:          env.From,
		Kind:          env.Kind,
		Allowed:       d.Allowed,
		CapabilityID:  d.CapabilityID,
		Reason:        d.Reason,
		EffectiveCaps: d.EffectiveIDs,
	}

	line, err := json.Marshal(rec)
	if err != nil {
		l.log.Error("failed to marshal decision record", "envelope_id", env.ID, "error", err)
		return
	}
	l.entries <- entry{line: line, file: l.decFile}
}

// Flush blocks until every record appended before the call is on disk.
// Tests use this as the synchronization point before reading the log.
func (l *Logger) Flush() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	barrier := make(chan struct{})
	l.entries <- entry{flush: barrier}
	l.mu.Unlock()
	<-barrier
}

// Close flushes and stops the writer. Further appends are dropped.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.entries)
	<-l.done

	err1 := l.envFile.f.Close()
	err2 := l.decFile.f.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// writer is the single writer goroutine. Records are written immediately
// (the OS buffers) and synced on a short timer and on shutdown.
func (l *Logger) writer() {
	defer close(l.done)

	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	dirty := false
	sync := func() {
		if !dirty {
			return
		}
		l.envFile.f.Sync()
		l.decFile.f.Sync()
		dirty = false
	}

	for {
		select {
		case e, ok := <-l.entries:
			if !ok {
				sync()
				return
			}
			if e.flush != nil {
				sync()
				close(e.flush)
				continue
			}
			if err := e.file.write(e.line); err != nil {
				l.log.Error("history write failed", "path", e.file.path, "error", err)
				continue
			}
			dirty = true
		case <-ticker.C:
			sync()
		}
	}
}

// write appends one line, rotating to a numbered sibling first when the
// size threshold is exceeded.
func (af *appendFile) write(line []byte) error {
	if af.size+int64(len(line))+1 > af.maxSize && af.size > 0 {
		if err := af.rotate(); err != nil {
			return err
		}
	}
	n, err := af.f.Write(append(line, '\n'))
	af.size += int64(n)
	return err
}

// rotate renames the live file to the next numbered sibling
// (e.g. envelope-history.1.jsonl) and reopens a fresh live file.
func (af *appendFile) rotate() error {
	if err := af.f.Close(); err != nil {
		return err
	}
	ext := filepath.Ext(af.path)
	base := af.path[:len(af.path)-len(ext)]
	rotated := fmt.Sprintf("%s.%d%s", base, af.sibling, ext)
	if err := os.Rename(af.path, rotated); err != nil {
		return err
	}
	af.sibling++

	f, err := os.OpenFile(af.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	af.f = f
	af.size = 0
	return nil
}

// nextSibling scans for existing rotated siblings so a restart keeps
// numbering monotonic.
func nextSibling(path string) int {
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	n := 1
	for {
		candidate := fmt.Sprintf("%s.%d%s", base, n, ext)
		if _, err := os.Stat(candidate); err != nil {
			return n
		}
		n++
	}
}

// lastSequence reads the final record of the live log (if any) so sequence
// numbers continue across restarts. Rotated siblings always precede the
// live file, so checking the live file is enough unless it is empty, in
// which case the newest sibling is consulted.
func lastSequence(path string) uint64 {
	if seq, ok := lastSequenceIn(path); ok {
		return seq
	}
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	last := uint64(0)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s.%d%s", base, n, ext)
		seq, ok := lastSequenceIn(candidate)
		if !ok {
			break
		}
		last = seq
	}
	return last
}

func lastSequenceIn(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return 0, false
	}
	lines := splitLines(data)
	for i := len(lines) - 1; i >= 0; i-- {
		var probe struct {
			Seq uint64 `json:"seq"`
		}
		if err := json.Unmarshal(lines[i], &probe); err == nil && probe.Seq > 0 {
			return probe.Seq, true
		}
	}
	return 0, false
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
