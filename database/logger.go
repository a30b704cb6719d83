/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tomoncle/bunspike/utils"
)

const loggerName = "DATABASE"

var (
	globalLogger   Logger
	globalLoggerMu sync.RWMutex
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "DEBUG"
	}
}

// Logger is the logging contract used across the package. Fields are
// alternating key/value pairs.
type Logger interface {
	SetLevel(LogLevel)
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// InitLogger installs log as the package logger unless one is already set.
func InitLogger(log Logger) {
	if log == nil {
		return
	}
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	if globalLogger == nil {
		globalLogger = log
	}
}

// GetLogger returns the package logger, creating the logrus-backed default on first use.
func GetLogger() Logger {
	globalLoggerMu.RLock()
	l := globalLogger
	globalLoggerMu.RUnlock()
	if l != nil {
		return l
	}

	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogrusLogger(utils.NewLogger(loggerName))
	}
	return globalLogger
}

// LogrusLogger adapts a logrus logger to Logger.
type LogrusLogger struct {
	logger *logrus.Logger
}

// NewLogrusLogger wraps l.
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{logger: l}
}

func (l *LogrusLogger) Debug(msg string, fields ...interface{}) {
	l.entry(fields).Debug(msg)
}

func (l *LogrusLogger) Info(msg string, fields ...interface{}) {
	l.entry(fields).Info(msg)
}

func (l *LogrusLogger) Warn(msg string, fields ...interface{}) {
	l.entry(fields).Warn(msg)
}

func (l *LogrusLogger) Error(msg string, fields ...interface{}) {
	l.entry(fields).Error(msg)
}

func (l *LogrusLogger) SetLevel(level LogLevel) {
	l.logger.SetLevel(utils.ParseLogLevel(level.String()))
}

func (l *LogrusLogger) entry(fields []interface{}) *logrus.Entry {
	return l.logger.WithFields(toFields(fields))
}

// toFields pairs up key/value arguments; a dangling key is kept with a nil value.
func toFields(kv []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 < len(kv) {
			fields[key] = kv[i+1]
		} else {
			fields[key] = nil
		}
	}
	return fields
}
