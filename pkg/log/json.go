// Copyright 2018 The gVisor Authors.
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
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"runtime"
	"strconv"
	"time"
)

// levelNames maps each Level to its JSON name.
var levelNames = map[Level]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	name, ok := levelNames[l]
	if !ok {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return strconv.AppendQuote(nil, name), nil
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts a level
// name or its number.
func (l *Level) UnmarshalJSON(b []byte) error {
	if n, err := strconv.ParseUint(string(b), 10, 32); err == nil {
		if _, ok := levelNames[Level(n)]; ok {
			*l = Level(n)
			return nil
		}
		return fmt.Errorf("unknown level %d", n)
	}
	name, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("level %q is neither a name nor a number", b)
	}
	for lv, n := range levelNames {
		if n == name {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", name)
}

// record is one line of JSON output. Caller is "file:line" of the logging
// call and is omitted when the stack cannot be walked.
type record struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Caller string    `json:"caller,omitempty"`
	Msg    string    `json:"msg"`
}

// JSONEmitter writes each message as a single JSON object per line, for
// consumption by log processors reading the pagesim debug log.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	r := record{
		Time:  timestamp,
		Level: level,
		Msg:   fmt.Sprintf(format, v...),
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		r.Caller = path.Base(file) + ":" + strconv.Itoa(line)
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(r); err != nil {
		// Only an unknown level can fail; keep the message.
		fmt.Fprintf(&buf, "%s\n", r.Msg)
	}
	e.Writer.Write(buf.Bytes())
}
