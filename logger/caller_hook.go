package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook rewrites each entry's Caller field. logrus's own caller
// reporting stops at the wrapper methods in this package, so the hook walks
// further up the stack to find the frame that actually produced the log line.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// skipFrame reports whether a function belongs to logrus or to this wrapper
// package rather than to application code.
func skipFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") ||
		strings.Contains(fn, "marketpulse/logger")
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	// The fixed offset steps over runtime.Callers, Fire itself and the
	// logrus hook dispatch; skipFrame handles the rest.
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !more {
			break
		}
		if skipFrame(frame.Function) {
			continue
		}
		entry.Caller = &frame
		break
	}
	return nil
}
