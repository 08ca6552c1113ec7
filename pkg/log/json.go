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
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// jsonRecord is one line of JSONEmitter output.
type jsonRecord struct {
	Time   time.Time `json:"ts"`
	Level  Level     `json:"level"`
	Source string    `json:"src,omitempty"`
	Msg    string    `json:"msg"`
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (l Level) MarshalText() ([]byte, error) {
	if l > Debug {
		return nil, fmt.Errorf("unknown level %d", uint32(l))
	}
	return []byte(strings.ToLower(l.String())), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText. It accepts
// the names ParseLevel accepts.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// JSONEmitter logs messages in json format, one object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	r := jsonRecord{
		Time:  timestamp,
		Level: level,
		Msg:   fmt.Sprintf(format, v...),
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		r.Source = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	b, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("encoding log record: %v", err))
	}
	e.Writer.Write(b)
}
