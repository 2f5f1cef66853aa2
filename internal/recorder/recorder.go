// Package recorder keeps a JSONL trace of every persisted metrics event, one
// file per session, for replaying a session after the fact.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"claimwatch/internal/metrics"
)

const (
	MaxRotatedFiles = 5
	TraceDir        = "data/traces"
)

// Entry is one line of a trace file.
type Entry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"ts"`
	Type      string          `json:"type"`
	SessionID int64           `json:"session_id"`
	ClaimID   int64           `json:"claim_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Recorder writes traces. It implements metrics.Observer; a record from a
// new session starts a new file.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
	session  int64
	path     string
}

// NewRecorder ensures basePath exists.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath}, nil
}

// Start closes the current trace and opens one for sessionID, keeping only
// the newest MaxRotatedFiles traces.
func (r *Recorder) Start(sessionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked(sessionID)
}

func (r *Recorder) startLocked(sessionID int64) error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}
	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("trace_%d_%s.jsonl", sessionID, uuid.NewString())
	path := filepath.Join(r.basePath, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	r.session = sessionID
	r.path = path
	return nil
}

// Recorded appends r to the trace of its session.
func (r *Recorder) Recorded(rec metrics.Record) {
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		log.Printf("[recorder] encode %s: %v", rec.Payload.EventType(), err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encoder == nil || r.session != rec.SessionID {
		if err := r.startLocked(rec.SessionID); err != nil {
			log.Printf("[recorder] start trace for session %d: %v", rec.SessionID, err)
			return
		}
	}
	err = r.encoder.Encode(Entry{
		ID:        uuid.NewString(),
		Timestamp: rec.At,
		Type:      rec.Payload.EventType(),
		SessionID: rec.SessionID,
		ClaimID:   rec.ClaimID,
		Data:      data,
	})
	if err != nil {
		log.Printf("[recorder] write %s: %v", r.path, err)
	}
}

// Path returns the file currently written, or "".
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// rotate keeps the newest MaxRotatedFiles-1 traces to make room for a new one.
func (r *Recorder) rotate() error {
	traces, err := listTraces(r.basePath)
	if err != nil {
		return err
	}
	for i := MaxRotatedFiles - 1; i < len(traces); i++ {
		_ = os.Remove(traces[i])
	}
	return nil
}

// Files lists trace files in dir, newest first.
func Files(dir string) ([]string, error) {
	return listTraces(dir)
}

func listTraces(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type trace struct {
		path string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	sort.Slice(traces, func(i, j int) bool {
		return traces[i].mod.After(traces[j].mod)
	})
	out := make([]string, len(traces))
	for i, t := range traces {
		out[i] = t.path
	}
	return out, nil
}

// Read loads every entry of a trace file.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}
