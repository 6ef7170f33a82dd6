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
	"fmt"
	"time"
)

// NoHart is the Hart of an Origin that is not tied to a hart.
const NoHart = -1

// Origin names the part of the simulated machine a log statement is about.
type Origin struct {
	// Hart is the hart ID, or NoHart.
	Hart int

	// Process is the process identifier, or 0 for none.
	Process int32
}

// String returns the origin as it prefixes text log lines.
func (o Origin) String() string {
	switch {
	case o.Hart != NoHart && o.Process != 0:
		return fmt.Sprintf("hart %d process %d", o.Hart, o.Process)
	case o.Hart != NoHart:
		return fmt.Sprintf("hart %d", o.Hart)
	case o.Process != 0:
		return fmt.Sprintf("process %d", o.Process)
	default:
		return "machine"
	}
}

// OriginEmitter is an Emitter that records the origin of a statement apart
// from its message.
type OriginEmitter interface {
	Emitter

	// EmitOrigin is like Emit, for a statement about o.
	EmitOrigin(depth int, level Level, timestamp time.Time, o Origin, format string, v ...any)
}

// originLogger tags every statement with an origin. A nil logger means the
// global logger at the time of the statement.
type originLogger struct {
	logger *BasicLogger
	origin Origin
}

// With returns a Logger that tags statements with o.
func (l *BasicLogger) With(o Origin) Logger {
	return &originLogger{logger: l, origin: o}
}

// With returns a Logger that tags statements to the global logger with o.
func With(o Origin) Logger {
	return &originLogger{origin: o}
}

func (o *originLogger) basic() *BasicLogger {
	if o.logger != nil {
		return o.logger
	}
	return Log()
}

// emit must be called directly by the Logger methods, for caller depth.
func (o *originLogger) emit(level Level, format string, v []any) {
	l := o.basic()
	if !l.IsLogging(level) {
		return
	}
	if e, ok := l.Emitter.(OriginEmitter); ok {
		e.EmitOrigin(2, level, time.Now(), o.origin, format, v...)
		return
	}
	l.Emit(2, level, time.Now(), "%v: "+format, append([]any{o.origin}, v...)...)
}

// Debugf implements Logger.Debugf.
func (o *originLogger) Debugf(format string, v ...any) {
	o.emit(Debug, format, v)
}

// Infof implements Logger.Infof.
func (o *originLogger) Infof(format string, v ...any) {
	o.emit(Info, format, v)
}

// Warningf implements Logger.Warningf.
func (o *originLogger) Warningf(format string, v ...any) {
	o.emit(Warning, format, v)
}

// IsLogging implements Logger.IsLogging.
func (o *originLogger) IsLogging(level Level) bool {
	return o.basic().IsLogging(level)
}
