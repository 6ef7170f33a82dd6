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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmsim.dev/vmsim/pkg/memlayout"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"--debug", "--harts=8", "--log-format=json", "--layout=/tmp/l.toml"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		LayoutFile: "/tmp/l.toml",
		LogFormat:  "json",
		Debug:      true,
		Harts:      8,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags() mismatch (-want +got):\n%s", diff)
	}
	wantFlags := []string{"--layout=/tmp/l.toml", "--log-format=json", "--debug=true", "--harts=8"}
	if diff := cmp.Diff(wantFlags, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{name: "log format", args: []string{"--log-format=yaml"}},
		{name: "zero harts", args: []string{"--harts=0"}},
		{name: "negative harts", args: []string{"--harts=-2"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			if err := testFlags.Parse(tc.args); err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if _, err := NewFromFlags(testFlags); err == nil {
				t.Errorf("NewFromFlags(%v) succeeded, wanted error", tc.args)
			}
		})
	}
}

func TestLayout(t *testing.T) {
	c := &Config{}
	l, err := c.Layout()
	if err != nil {
		t.Fatalf("Layout() failed: %v", err)
	}
	if diff := cmp.Diff(memlayout.Default(), l); diff != "" {
		t.Errorf("default Layout() mismatch (-want +got):\n%s", diff)
	}

	c.LayoutFile = filepath.Join(t.TempDir(), "layout.toml")
	if err := os.WriteFile(c.LayoutFile, []byte("phystop = 0x80400000\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	l, err = c.Layout()
	if err != nil {
		t.Fatalf("Layout() failed: %v", err)
	}
	if l.PhysTop != 0x80400000 {
		t.Errorf("PhysTop = %#x, wanted 0x80400000", l.PhysTop)
	}
}
