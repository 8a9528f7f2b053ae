package mapsync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `mapsync` package:
// Info:
//     events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - disconnects, reconnect attempts and fatal connection errors
//     - events dropped because the local state cannot apply them
// Error:
//     unrecoverable crash details
//     this includes:
//     - panics in event listeners, recovered so the event loop keeps running
// Debug (V(1), V(2)):
//     key events for trace debugging
//     V(1): calls, subscription state transitions, reconciliation summaries
//     V(2): every frame and every applied event

const LogLevelInfo = glog.Level(0)
const LogLevelDebug = glog.Level(1)
const LogLevelTrace = glog.Level(2)

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s %s", tag, m))
		}
	}
}

func SubLogFn(level glog.Level, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			log("%s %s", tag, m)
		}
	}
}
