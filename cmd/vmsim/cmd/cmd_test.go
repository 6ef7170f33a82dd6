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

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"vmsim.dev/vmsim/cmd/vmsim/config"
	"vmsim.dev/vmsim/pkg/errors/linuxerr"
	"vmsim.dev/vmsim/pkg/hostarch"
	"vmsim.dev/vmsim/pkg/memlayout"
)

func newTestMachine(t *testing.T, harts int) *machine {
	t.Helper()
	m, err := newMachine(context.Background(), &config.Config{LogFormat: "text", Harts: harts})
	if err != nil {
		t.Fatalf("newMachine failed: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

func TestInitCodePath(t *testing.T) {
	end := bytes.IndexByte(initCode[initPathOffset:], 0)
	if got := string(initCode[initPathOffset : initPathOffset+end]); got != "/init" {
		t.Errorf("path in initCode: got %q, wanted %q", got, "/init")
	}
}

func TestScenario(t *testing.T) {
	m := newTestMachine(t, 2)
	s := &Scenario{children: 5, grow: 2*hostarch.PageSize + 7}
	var out bytes.Buffer
	if err := s.run(context.Background(), m, &out); err != nil {
		t.Fatalf("run failed: %v\n%s", err, out.String())
	}
	for _, want := range []string{
		`process 1: exec "/init"`,
		"process 1: size 0x3007",
		"process 6: size 0x2007",
		"hart 0: ",
		"hart 1: ",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output does not contain %q:\n%s", want, out.String())
		}
	}
	if n := m.procs.NumProcesses(); n != 0 {
		t.Errorf("%d processes left after the scenario", n)
	}
}

func TestScenarioGrowFailure(t *testing.T) {
	m := newTestMachine(t, 1)
	before := m.mf.Stats()
	s := &Scenario{children: 1, grow: int64(m.layout.LowestFixedVA())}
	err := s.run(context.Background(), m, &bytes.Buffer{})
	if !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("run with an oversized grow: got %v, wanted %v", err, linuxerr.ENOMEM)
	}
	if after := m.mf.Stats(); after.InUse() != before.InUse() {
		t.Errorf("failed scenario leaked %d frames", after.InUse()-before.InUse())
	}
}

func TestDescribe(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want string
	}{
		{err: fmt.Errorf("fork 3: %w", linuxerr.ENOMEM), want: "raise phystop"},
		{err: fmt.Errorf("fork 64: %w", linuxerr.EAGAIN), want: "holds 64 processes"},
		{err: fmt.Errorf("reading exec path: %w", linuxerr.EFAULT), want: "reading exec path: bad address"},
	} {
		if got := describe(tc.err); !strings.Contains(got, tc.want) {
			t.Errorf("describe(%v) = %q, wanted it to contain %q", tc.err, got, tc.want)
		}
	}
}

func TestWriteLayout(t *testing.T) {
	l := memlayout.Default()
	for _, tc := range []struct {
		format memlayout.Format
		decode func(string) (*memlayout.Layout, error)
	}{
		{format: memlayout.TOML, decode: memlayout.Decode},
		{format: memlayout.YAML, decode: memlayout.DecodeYAML},
	} {
		var buf bytes.Buffer
		if err := writeLayout(&buf, l, tc.format); err != nil {
			t.Fatalf("writeLayout(%s) failed: %v", tc.format, err)
		}
		got, err := tc.decode(buf.String())
		if err != nil {
			t.Fatalf("decoding %s output failed: %v\n%s", tc.format, err, buf.String())
		}
		if got.PhysTop != l.PhysTop || len(got.Devices) != len(l.Devices) {
			t.Errorf("%s output decodes to %+v", tc.format, got)
		}
	}
	if err := writeLayout(&bytes.Buffer{}, l, "json"); err == nil {
		t.Errorf("writeLayout with an unknown format succeeded")
	}
}
