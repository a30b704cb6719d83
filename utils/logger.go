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

package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the logrus logger handed out by NewLogger.
type Logger = logrus.Logger

const timestampLayout = "2006-01-02 15:04:05.000"

var (
	registryMu    sync.RWMutex
	registry      = map[string]*logrus.Logger{}
	defaultLevel  = ParseLogLevel(EnvDefaultString("LOG_LEVEL", "info"))
	consoleFormat = EnvDefaultString("CONSOLE_LOG_FORMAT", "text")
	output        io.Writer = os.Stdout
)

// ConfigureConsoleLogFormat switches newly created loggers between "text" and "json".
func ConfigureConsoleLogFormat(format string) {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		consoleFormat = "json"
		return
	}
	consoleFormat = "text"
}

// ConfigureOutput redirects newly created loggers, mostly useful in tests.
func ConfigureOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	output = w
}

// ParseLogLevel maps a level name to a logrus level, falling back to info.
func ParseLogLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// ConfigureLogLevel sets the level of every registered logger and of future ones.
func ConfigureLogLevel(level string) {
	lvl := ParseLogLevel(level)
	defaultLevel = lvl
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, l := range registry {
		l.SetLevel(lvl)
	}
}

// SetLoggerLevel changes the level of a single named logger.
func SetLoggerLevel(name string, level string) bool {
	registryMu.RLock()
	l, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return false
	}
	l.SetLevel(ParseLogLevel(level))
	return true
}

// NewLogger returns the logger registered under name, creating it on first use.
func NewLogger(name string) *logrus.Logger {
	registryMu.Lock()
	defer registryMu.Unlock()
	if l, ok := registry[name]; ok {
		return l
	}
	l := logrus.New()
	l.SetOutput(output)
	l.SetLevel(defaultLevel)
	l.SetReportCaller(true)
	if consoleFormat == "json" {
		l.SetFormatter(&JSONLogFormatter{LoggerName: name})
	} else {
		l.SetFormatter(&Log4jColorFormatter{LoggerName: name, NameWidth: 10})
	}
	registry[name] = l
	return l
}

// Log4jColorFormatter renders "time LEVEL pid - [main] name file:line : msg k=v".
type Log4jColorFormatter struct {
	LoggerName      string
	TimestampFormat string
	NameWidth       int
	DisableColors   bool
}

func (f *Log4jColorFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = timestampLayout
	}
	level := fmt.Sprintf("%7s", strings.ToUpper(entry.Level.String()))
	name := f.LoggerName
	if f.NameWidth > 0 {
		name = fmt.Sprintf("%*s", f.NameWidth, limitRunes(name, f.NameWidth))
	}
	caller := ""
	if entry.Caller != nil {
		caller = " " + filepath.Base(entry.Caller.File) + ":" + strconv.Itoa(entry.Caller.Line)
	}
	if !f.DisableColors {
		level = colorLevel(level, entry.Level)
		name = ansiCyan + name + ansiReset
		caller = ansiFaint + caller + ansiReset
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %-6d - [main] %s%s : %s", entry.Time.Format(layout), level, os.Getpid(), name, caller, entry.Message)
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// JSONLogFormatter renders one JSON object per entry.
type JSONLogFormatter struct {
	LoggerName      string
	TimestampFormat string
}

func (f *JSONLogFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = timestampLayout
	}
	rec := struct {
		Time    string                 `json:"time"`
		Level   string                 `json:"level"`
		Model   string                 `json:"model"`
		Caller  string                 `json:"caller,omitempty"`
		Message string                 `json:"message"`
		Fields  map[string]interface{} `json:"fields,omitempty"`
	}{
		Time:    entry.Time.Format(layout),
		Level:   entry.Level.String(),
		Model:   f.LoggerName,
		Message: entry.Message,
	}
	if entry.Caller != nil {
		rec.Caller = filepath.Base(entry.Caller.File) + ":" + strconv.Itoa(entry.Caller.Line)
	}
	if len(entry.Data) > 0 {
		rec.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			rec.Fields[k] = v
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

const (
	ansiReset   = "\x1b[0m"
	ansiFaint   = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiYellow  = "\x1b[33m"
	ansiGreen   = "\x1b[32m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

func colorLevel(s string, level logrus.Level) string {
	switch level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return ansiRed + s + ansiReset
	case logrus.WarnLevel:
		return ansiYellow + s + ansiReset
	case logrus.InfoLevel:
		return ansiGreen + s + ansiReset
	case logrus.DebugLevel:
		return ansiBlue + s + ansiReset
	default:
		return ansiMagenta + s + ansiReset
	}
}

func limitRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// FormatTimestamp formats t with the layout used by every formatter here.
func FormatTimestamp(t time.Time) string {
	return t.Format(timestampLayout)
}

func EnvDefaultString(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func EnvDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	}
	return def
}
