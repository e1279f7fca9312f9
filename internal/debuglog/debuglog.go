/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
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

// Package debuglog is the leveled logger shared by the decode pipeline packages.
package debuglog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

// EnvLogLevel overrides the default level at start up.
const EnvLogLevel = "V4L2REQ_LOG_LEVEL"

var (
	level atomic.Int32

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

func init() {
	level.Store(LevelWarn)
	if v := os.Getenv(EnvLogLevel); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			SetLevel(n)
		}
	}
}

// SetLevel changes the level of every logger. The default level is Warn and
// the process env `V4L2REQ_LOG_LEVEL` also sets it.
func SetLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// ParseLevel maps a level name, case insensitive, or its number to a level.
// "none" disables logging.
func ParseLevel(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil && n >= LevelTrace && n <= LevelNoPrint {
		return n, nil
	}
	if strings.EqualFold(s, "none") {
		return LevelNoPrint, nil
	}
	for i, name := range levelName {
		if strings.EqualFold(s, name) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("debuglog: unknown level %q", s)
}

// Level returns the current level.
func Level() int {
	return int(level.Load())
}

// Logger writes prefixed lines to out. Colors are only used when out is a terminal.
type Logger struct {
	name      string
	out       io.Writer
	callDepth int
	color     bool
}

// New returns a logger writing to stdout.
func New(name string) *Logger {
	return NewWithWriter(name, os.Stdout)
}

// NewWithWriter returns a logger writing to out, stdout if out is nil.
func NewWithWriter(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	color := false
	if f, ok := out.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Logger{
		name:      name,
		out:       out,
		callDepth: 4,
		color:     color,
	}
}

// With returns a copy of l whose name carries an extra tag, e.g. a context id.
func (l *Logger) With(tag string) *Logger {
	c := *l
	c.name = l.name + " " + tag
	return &c
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.printf(LevelError, format, a...)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.printf(LevelWarn, format, a...)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.printf(LevelInfo, format, a...)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.printf(LevelDebug, format, a...)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.printf(LevelTrace, format, a...)
}

func (l *Logger) printf(lv int, format string, a ...interface{}) {
	if Level() > lv {
		return
	}
	line := l.prefix(lv) + fmt.Sprintf(format, a...)
	if l.color {
		line += reset
	}
	if _, err := fmt.Fprintln(l.out, line); err != nil {
		fmt.Fprintf(os.Stderr, "debuglog write failed: %v\n", err)
	}
}

func (l *Logger) prefix(lv int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	if l.color {
		_, _ = buf.WriteString(colors[lv])
	}
	_, _ = buf.WriteString(levelName[lv])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	if l.name != "" {
		_, _ = buf.WriteString(l.name)
		_ = buf.WriteByte(' ')
	}
	return buf.String()
}

func (l *Logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}
