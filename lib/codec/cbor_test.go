// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"reflect"
	"testing"
)

type descriptor struct {
	Path   string   `cbor:"path"`
	Args   []string `cbor:"args"`
	UID    uint32   `cbor:"uid"`
	NoExec bool     `cbor:"noexec"`
}

func TestRoundTrip(t *testing.T) {
	want := descriptor{
		Path:   "/usr/bin/id",
		Args:   []string{"id", "-u"},
		UID:    0,
		NoExec: true,
	}
	data, err := Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	var got descriptor
	if err := Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDeterministicEncoding(t *testing.T) {
	value := map[string]int{"b": 2, "a": 1, "c": 3}
	first, err := Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("same value encoded differently across runs")
		}
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// An older decoder must accept descriptors from a newer encoder.
	data, err := Marshal(map[string]any{
		"path":         "/usr/bin/id",
		"args":         []string{"id"},
		"uid":          uint32(0),
		"noexec":       false,
		"later_banner": "added in a future version",
	})
	if err != nil {
		t.Fatal(err)
	}
	var got descriptor
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("unknown field rejected: %v", err)
	}
	if got.Path != "/usr/bin/id" {
		t.Errorf("path = %q", got.Path)
	}
}

func TestStreamEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	want := descriptor{Path: "/bin/true", Args: []string{"true"}}
	if err := NewEncoder(&buf).Encode(want); err != nil {
		t.Fatal(err)
	}
	var got descriptor
	if err := NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDefaultMapType(t *testing.T) {
	data, err := Marshal(map[string]string{"kind": "exec"})
	if err != nil {
		t.Fatal(err)
	}
	var got any
	if err := Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got.(map[string]any); !ok {
		t.Errorf("decoded into %T, want map[string]any", got)
	}
}
