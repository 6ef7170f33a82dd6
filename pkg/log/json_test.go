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
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{in: `"warning"`, want: Warning},
		{in: `"info"`, want: Info},
		{in: `"debug"`, want: Debug},
		{in: "0", want: Warning},
		{in: "1", want: Info},
		{in: "2", want: Debug},
	} {
		var got Level
		if err := json.Unmarshal([]byte(tc.in), &got); err != nil || got != tc.want {
			t.Errorf("Unmarshal(%s): got (%v, %v), wanted %v", tc.in, got, err, tc.want)
		}
		b, err := json.Marshal(got)
		if err != nil {
			t.Fatalf("Marshal(%v) failed: %v", got, err)
		}
		if !strings.HasPrefix(string(b), `"`) {
			t.Errorf("Marshal(%v) = %s, wanted a name", got, b)
		}
	}
	var l Level
	if err := l.UnmarshalJSON([]byte(`"fatal"`)); err == nil {
		t.Errorf("UnmarshalJSON accepted an unknown level")
	}
}

// decodeLines decodes one JSON record per line.
func decodeLines(t *testing.T, b []byte) []jsonLog {
	t.Helper()
	var recs []jsonLog
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		var r jsonLog
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			t.Fatalf("bad record %q: %v", line, err)
		}
		recs = append(recs, r)
	}
	return recs
}

func TestJSONEmitterOrigin(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Debug, Emitter: JSONEmitter{&Writer{Next: &buf}}}
	l.Infof("kvminit")
	l.With(Origin{Hart: 0, Process: 3}).Debugf("switch to shadow %#x", 0x80040)
	l.With(Origin{Hart: NoHart, Process: 4}).Warningf("copy fault")
	l.With(Origin{Hart: 2, Process: 0}).Infof("hart starting")

	recs := decodeLines(t, buf.Bytes())
	hart := func(h int) *int { return &h }
	type origin struct {
		Level   Level
		Hart    *int
		Process int32
	}
	var got []origin
	for _, r := range recs {
		got = append(got, origin{r.Level, r.Hart, r.Process})
	}
	want := []origin{
		{Level: Info},
		{Level: Debug, Hart: hart(0), Process: 3},
		{Level: Warning, Process: 4},
		{Level: Info, Hart: hart(2)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if msg := recs[1].Msg; !strings.HasPrefix(msg, "json_test.go:") || !strings.HasSuffix(msg, "] switch to shadow 0x80040") {
		t.Errorf("message %q does not name the caller", msg)
	}
	if recs[0].Time.After(time.Now()) {
		t.Errorf("record time %v is in the future", recs[0].Time)
	}
}

func TestJSONHartZeroKept(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: JSONEmitter{&Writer{Next: &buf}}}
	l.With(Origin{Hart: 0}).Infof("boot")
	if !strings.Contains(buf.String(), `"hart":0`) {
		t.Errorf("hart 0 missing from %s", buf.String())
	}
	if strings.Contains(buf.String(), `"process"`) {
		t.Errorf("process recorded without one: %s", buf.String())
	}
}
