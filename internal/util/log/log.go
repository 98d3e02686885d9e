/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

package log

import (
	"fmt"
	"os"
	"sort"
	"sync"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/tridentcache/trident/internal/config"
)

// Logger is the handle to the common logger
var Logger *TLogger

var onceMutex sync.Mutex
var onceRanEntries = make(map[string]bool)

// TLogger wraps a go-kit logger with the configured level and an optional
// rotated file writer
type TLogger struct {
	logger  kitlog.Logger
	closer  *lumberjack.Logger
	level   string
	levelID int
}

// Pairs represents a key=value pair that accompanies a log line
type Pairs map[string]interface{}

// Init initializes the Application Logging
func Init() {
	Logger = New()
}

// New returns a Logger for the global logging configuration. With a log
// file configured and a nonzero main InstanceID, the file name gets a
// ".<InstanceID>" suffix so instances write to distinct files.
func New() *TLogger {
	l := &TLogger{}
	if config.Logging.LogFile == "" {
		l.logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stdout))
	} else {
		logFile := config.Logging.LogFile
		if config.Main != nil && config.Main.InstanceID > 0 {
			logFile = fmt.Sprintf("%s.%d", logFile, config.Main.InstanceID)
		}
		l.closer = &lumberjack.Logger{Filename: logFile}
		l.logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(l.closer))
	}
	l.logger = kitlog.With(l.logger, "time", kitlog.DefaultTimestampUTC, "app", "trident", "caller", kitlog.Caller(5))
	l.SetLogLevel(config.Logging.LogLevel)
	return l
}

// SetLogLevel sets the log level, defaulting to "info" if the provided level is unknown
func (tl *TLogger) SetLogLevel(logLevel string) {
	tl.level = logLevel
	switch logLevel {
	case "debug":
		tl.levelID = 5
	case "trace":
		tl.levelID = 6
	case "warn":
		tl.levelID = 3
	case "error":
		tl.levelID = 2
	default:
		tl.level = "info"
		tl.levelID = 4
	}
}

func (tl *TLogger) log(lvl func(kitlog.Logger) kitlog.Logger, event string, detail Pairs) {
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]interface{}, 0, (len(detail)*2)+2)
	kv = append(kv, "event", event)
	for _, k := range keys {
		kv = append(kv, k, detail[k])
	}
	lvl(tl.logger).Log(kv...)
}

// Info sends an "INFO" event to the Logger
func Info(event string, detail Pairs) { Logger.Info(event, detail) }

// Info sends an "INFO" event to the TLogger
func (tl *TLogger) Info(event string, detail Pairs) {
	if tl.levelID >= 4 {
		tl.log(level.Info, event, detail)
	}
}

// Warn sends a "WARN" event to the Logger
func Warn(event string, detail Pairs) { Logger.Warn(event, detail) }

// Warn sends a "WARN" event to the TLogger
func (tl *TLogger) Warn(event string, detail Pairs) {
	if tl.levelID >= 3 {
		tl.log(level.Warn, event, detail)
	}
}

// WarnOnce sends a "WARN" event to the Logger only once per key.
// Returns true if this invocation was the first, and thus logged
func WarnOnce(key string, event string, detail Pairs) bool {
	onceMutex.Lock()
	defer onceMutex.Unlock()
	key = "warnonce." + key
	if _, ok := onceRanEntries[key]; !ok {
		onceRanEntries[key] = true
		Warn(event, detail)
		return true
	}
	return false
}

// Error sends an "ERROR" event to the Logger
func Error(event string, detail Pairs) { Logger.Error(event, detail) }

// Error sends an "ERROR" event to the TLogger
func (tl *TLogger) Error(event string, detail Pairs) {
	if tl.levelID >= 2 {
		tl.log(level.Error, event, detail)
	}
}

// Debug sends a "DEBUG" event to the Logger
func Debug(event string, detail Pairs) { Logger.Debug(event, detail) }

// Debug sends a "DEBUG" event to the TLogger
func (tl *TLogger) Debug(event string, detail Pairs) {
	if tl.levelID >= 5 {
		tl.log(level.Debug, event, detail)
	}
}

// Trace sends a "TRACE" event to the Logger when the log level is trace
func Trace(event string, detail Pairs) { Logger.Trace(event, detail) }

// Trace sends a "TRACE" event to the TLogger when the log level is trace
func (tl *TLogger) Trace(event string, detail Pairs) {
	if tl.levelID >= 6 {
		tl.log(level.Debug, event, detail)
	}
}

// Fatal sends a "FATAL" event to the Logger and exits the process with the provided exit code
func Fatal(code int, event string, detail Pairs) { Logger.Fatal(code, event, detail) }

// Fatal sends a "FATAL" event to the TLogger and exits the process with the provided exit code
func (tl *TLogger) Fatal(code int, event string, detail Pairs) {
	tl.log(level.Error, event, detail)
	if code >= 0 {
		// flush the file writer before we go
		tl.Close()
		os.Exit(code)
	}
}

// Close closes any opened file handles that were used for logging
func (tl *TLogger) Close() {
	if tl.closer != nil {
		tl.closer.Close()
	}
}
