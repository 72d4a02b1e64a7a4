package logging

import (
	"fmt"
	"sync"
)

// Recorder is a Logger that captures formatted lines for assertions in tests.
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

// NewRecorder returns an empty recording logger.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, level+": "+fmt.Sprintf(format, args...))
}

func (r *Recorder) Debug(format string, args ...any) { r.record("DEBUG", format, args...) }
func (r *Recorder) Info(format string, args ...any)  { r.record("INFO", format, args...) }
func (r *Recorder) Warn(format string, args ...any)  { r.record("WARN", format, args...) }
func (r *Recorder) Error(format string, args ...any) { r.record("ERROR", format, args...) }

// Lines returns a copy of the captured lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}
