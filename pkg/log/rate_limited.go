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

	"golang.org/x/time/rate"
	"smpboot.dev/smpboot/pkg/atomicbitops"
)

// rateLimitedLogger passes at most one debug or info statement per budget
// interval. Warnings always pass. The number of statements dropped since the
// last one that passed is appended to the next one.
type rateLimitedLogger struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomicbitops.Uint32
}

// admit reports whether a statement at level may be emitted, and returns the
// format to emit it with.
func (rl *rateLimitedLogger) admit(level Level, format string) (string, bool) {
	if !rl.logger.IsLogging(level) {
		return "", false
	}
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return "", false
	}
	if n := rl.dropped.Swap(0); n > 0 {
		format += fmt.Sprintf(" (%d suppressed)", n)
	}
	return format, true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if f, ok := rl.admit(Debug, format); ok {
		rl.logger.Debugf(f, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if f, ok := rl.admit(Info, format); ok {
		rl.logger.Infof(f, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.logger.Warningf(format, v...)
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger is RateLimitedLogger on the global logger.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that passes debug and info statements to
// logger no more than once per every.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
