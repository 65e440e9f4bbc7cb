package testutils

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogHook captures logrus entries so tests can assert on what was logged.
type LogHook struct {
	levels []logrus.Level

	mu      sync.Mutex
	entries []logrus.Entry
}

var _ logrus.Hook = &LogHook{}

// NewLogHook returns a hook capturing the given levels, or all levels when
// none are specified.
func NewLogHook(levels ...logrus.Level) *LogHook {
	if len(levels) == 0 {
		levels = logrus.AllLevels
	}
	return &LogHook{levels: levels}
}

// Levels implements logrus.Hook.
func (h *LogHook) Levels() []logrus.Level { return h.levels }

// Fire implements logrus.Hook.
func (h *LogHook) Fire(e *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, *e)
	return nil
}

// Drain returns the captured entries and clears the buffer.
func (h *LogHook) Drain() []logrus.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	res := h.entries
	h.entries = nil
	return res
}

// Lines returns the captured messages and clears the buffer.
func (h *LogHook) Lines() []string {
	entries := h.Drain()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Message
	}
	return lines
}

// LogContains reports whether entries holds a message at the given level
// containing text.
func LogContains(entries []logrus.Entry, level logrus.Level, text string) bool {
	for _, e := range entries {
		if e.Level == level && strings.Contains(e.Message, text) {
			return true
		}
	}
	return false
}
