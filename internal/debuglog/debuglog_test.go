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

package debuglog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

type DebugLogTestSuite struct {
	suite.Suite
	saved int
}

func (s *DebugLogTestSuite) SetupTest() {
	s.saved = Level()
}

func (s *DebugLogTestSuite) TearDownTest() {
	SetLevel(s.saved)
}

func (s *DebugLogTestSuite) TestLevelFilter() {
	var out bytes.Buffer
	l := NewWithWriter("media", &out)

	SetLevel(LevelWarn)
	l.Infof("hidden %d", 1)
	l.Debugf("hidden")
	s.Equal(0, out.Len())

	l.Warnf("shown %s", "warn")
	l.Errorf("shown %s", "error")
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	s.Require().Len(lines, 2)
	s.Contains(lines[0], "Warn")
	s.Contains(lines[0], "shown warn")
	s.Contains(lines[1], "Error")
}

func (s *DebugLogTestSuite) TestPrefixHasCallerAndName() {
	var out bytes.Buffer
	l := NewWithWriter("pollqueue", &out)
	SetLevel(LevelTrace)
	l.Tracef("step")
	s.Contains(out.String(), "debuglog_test.go:")
	s.Contains(out.String(), "pollqueue")
	// not a terminal, no escape codes
	s.NotContains(out.String(), reset)
}

func (s *DebugLogTestSuite) TestWithAddsTag() {
	var out bytes.Buffer
	l := NewWithWriter("decode", &out).With("ctx=abc")
	SetLevel(LevelInfo)
	l.Infof("hello")
	s.Contains(out.String(), "decode ctx=abc hello")
}

func (s *DebugLogTestSuite) TestSetLevelRejectsOutOfRange() {
	SetLevel(LevelError)
	SetLevel(42)
	s.Equal(LevelError, Level())
	SetLevel(-1)
	s.Equal(LevelError, Level())
}

func (s *DebugLogTestSuite) TestParseLevel() {
	for in, want := range map[string]int{
		"trace": LevelTrace,
		"Debug": LevelDebug,
		"INFO":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"none":  LevelNoPrint,
		"2":     LevelInfo,
	} {
		got, err := ParseLevel(in)
		s.Require().NoError(err, in)
		s.Equal(want, got, in)
	}
	_, err := ParseLevel("loud")
	s.Error(err)
	_, err = ParseLevel("9")
	s.Error(err)
}

func TestDebugLogTestSuite(t *testing.T) {
	suite.Run(t, new(DebugLogTestSuite))
}
