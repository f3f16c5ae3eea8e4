package testutils

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// SimpleLogrusHook implements the logrus.Hook interface and could be used to check
// if log messages were outputted
type SimpleLogrusHook struct {
	HookedLevels []logrus.Level
	mutex        sync.RWMutex
	messageCache []logrus.Entry
}

// NewLogHook creates a new SimpleLogrusHook for the given levels. If no levels
// are specified, then logrus.AllLevels will be used.
func NewLogHook(levels ...logrus.Level) *SimpleLogrusHook {
	if len(levels) == 0 {
		levels = logrus.AllLevels
	}
	return &SimpleLogrusHook{HookedLevels: levels}
}

// Levels just returns whatever was stored in the HookedLevels slice
func (smh *SimpleLogrusHook) Levels() []logrus.Level {
	return smh.HookedLevels
}

// Fire saves whatever message the logrus library passed in the cache
func (smh *SimpleLogrusHook) Fire(e *logrus.Entry) error {
	smh.mutex.Lock()
	defer smh.mutex.Unlock()
	smh.messageCache = append(smh.messageCache, *e)
	return nil
}

// Drain returns the currently stored messages and deletes them from the cache
func (smh *SimpleLogrusHook) Drain() []logrus.Entry {
	smh.mutex.Lock()
	defer smh.mutex.Unlock()
	res := smh.messageCache
	smh.messageCache = []logrus.Entry{}
	return res
}

// Lines returns the log lines stored so far, one string per fired entry.
func (smh *SimpleLogrusHook) Lines() []string {
	smh.mutex.RLock()
	defer smh.mutex.RUnlock()
	lines := make([]string, len(smh.messageCache))
	for i, evt := range smh.messageCache {
		lines[i] = evt.Message
	}
	return lines
}

// Contains returns true if msg is contained in any of the cached logged events
// or false otherwise.
func (smh *SimpleLogrusHook) Contains(msg string) bool {
	smh.mutex.RLock()
	defer smh.mutex.RUnlock()
	for _, evt := range smh.messageCache {
		if strings.Contains(evt.Message, msg) {
			return true
		}
	}
	return false
}

var _ logrus.Hook = &SimpleLogrusHook{}
