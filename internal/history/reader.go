package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Reader replays the envelope history of a space in sequence order,
// walking rotated siblings before the live file. A cursor (sequence
// number) lets a consumer resume where it left off.
type Reader struct {
	files   []string
	fileIdx int
	scanner *bufio.Scanner
	current *os.File
	cursor  uint64
}

// NewReader opens the envelope history of a space directory.
func NewReader(dir string) (*Reader, error) {
	files, err := historyFiles(dir, EnvelopeLogName)
	if err != nil {
		return nil, err
	}
	return &Reader{files: files}, nil
}

// Seek positions the reader so that Next returns the first record with a
// sequence number strictly greater than seq.
func (r *Reader) Seek(seq uint64) {
	r.cursor = seq
}

// Next returns the next record in sequence order, or io.EOF when the log
// is exhausted.
func (r *Reader) Next() (*Record, error) {
	for {
		if r.scanner == nil {
			if r.fileIdx >= len(r.files) {
				return nil, io.EOF
			}
			f, err := os.Open(r.files[r.fileIdx])
			if err != nil {
				return nil, fmt.Errorf("failed to open history file: %w", err)
			}
			r.current = f
			sc := bufio.NewScanner(f)
			sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
			r.scanner = sc
		}

		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return nil, err
			}
			r.current.Close()
			r.current = nil
			r.scanner = nil
			r.fileIdx++
			continue
		}

		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn trailing line after a crash; skip it.
			continue
		}
		if rec.Seq <= r.cursor {
			continue
		}
		r.cursor = rec.Seq
		return &rec, nil
	}
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.current != nil {
		return r.current.Close()
	}
	return nil
}

// ReadAll is a convenience for tests: the full history in sequence order.
func ReadAll(dir string) ([]Record, error) {
	r, err := NewReader(dir)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
}

// ReadDecisions returns the capability decision log of a space directory.
func ReadDecisions(dir string) ([]DecisionRecord, error) {
	files, err := historyFiles(dir, DecisionLogName)
	if err != nil {
		return nil, err
	}
	var out []DecisionRecord
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		for _, line := range splitLines(data) {
			var rec DecisionRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// historyFiles lists rotated siblings in numeric order followed by the
// live file. Missing files are fine; a fresh space has no history yet.
func historyFiles(dir, name string) ([]string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type sibling struct {
		n    int
		path string
	}
	var siblings []sibling
	live := ""
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fname := e.Name()
		if fname == name {
			live = filepath.Join(dir, fname)
			continue
		}
		if !strings.HasPrefix(fname, base+".") || !strings.HasSuffix(fname, ext) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(fname, base+"."), ext)
		n, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		siblings = append(siblings, sibling{n: n, path: filepath.Join(dir, fname)})
	}

	sort.Slice(siblings, func(i, j int) bool { return siblings[i].n < siblings[j].n })

	var files []string
	for _, s := range siblings {
		files = append(files, s.path)
	}
	if live != "" {
		files = append(files, live)
	}
	return files, nil
}
