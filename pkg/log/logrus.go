// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards statements to a logrus logger. Level filtering is
// left to the BasicLogger in front of it; the logrus logger should be set to
// logrus.DebugLevel.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// NewLogrusEmitter returns an emitter writing through a fresh logrus logger
// with the given formatter.
func NewLogrusEmitter(formatter logrus.Formatter) LogrusEmitter {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	if formatter != nil {
		l.SetFormatter(formatter)
	}
	return LogrusEmitter{Logger: l}
}

func logrusLevel(level Level) logrus.Level {
	switch level {
	case Warning:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(_ int, level Level, timestamp time.Time, format string, v ...any) {
	e.Logger.WithTime(timestamp).Log(logrusLevel(level), fmt.Sprintf(format, v...))
}
