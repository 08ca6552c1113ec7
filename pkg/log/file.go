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
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// OpenFile opens a log file for appending. "%PID%" in pattern is replaced by
// the process id. An empty pattern returns a nil file.
func OpenFile(pattern string) (*os.File, error) {
	if len(pattern) == 0 {
		return nil, nil
	}
	logPath := strings.ReplaceAll(pattern, "%PID%", strconv.Itoa(os.Getpid()))

	// Create parent directory if it doesn't exist.
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %w", dir, err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %w", logPath, err)
	}
	return f, nil
}

// EmitterFor returns the emitter for a named log format: "text", "json" or
// "logrus".
func EmitterFor(format string, f *os.File) (Emitter, error) {
	switch format {
	case "text", "":
		return GoogleEmitter{&Writer{Next: f}}, nil
	case "json":
		return JSONEmitter{&Writer{Next: f}}, nil
	case "logrus":
		e := NewLogrusEmitter(nil)
		e.Logger.SetOutput(f)
		return e, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", format)
}
