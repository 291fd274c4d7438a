/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gguf

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempGGUF(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write temp GGUF file: %v", err)
	}
	return path
}

func TestInspectRecognizesFamilyFromArchitecture(t *testing.T) {
	data := buildGGUF([]metadataEntry{
		{key: "general.architecture", value: testString{s: "llama"}},
		{key: "general.name", value: testString{s: "Llama 3.1 8B Instruct"}},
		{key: "general.file_type", value: testUint32{v: 15}}, // Q4_K_M
	}, 0)
	path := writeTempGGUF(t, data)

	tags, ok := Inspect(path)
	if !ok {
		t.Fatal("expected Inspect to succeed on a valid GGUF file")
	}
	if !containsTag(tags, "7b-full") {
		t.Errorf("expected tag %q in %v", "7b-full", tags)
	}
	if !containsTag(tags, "7b-q4") {
		t.Errorf("expected tag %q in %v (quantized file)", "7b-q4", tags)
	}
}

func TestInspectUnrecognizedArchitectureFallsBackToQuantTag(t *testing.T) {
	data := buildGGUF([]metadataEntry{
		{key: "general.architecture", value: testString{s: "exotic-net"}},
		{key: "general.name", value: testString{s: "Exotic Net"}},
		{key: "general.file_type", value: testUint32{v: 10}}, // Q2_K
	}, 0)
	path := writeTempGGUF(t, data)

	tags, ok := Inspect(path)
	if !ok {
		t.Fatal("expected Inspect to succeed on a valid GGUF file")
	}
	if !containsTag(tags, "7b-q4") {
		t.Errorf("expected quantization fallback tag in %v", tags)
	}
}

func TestInspectMissingFileFails(t *testing.T) {
	if _, ok := Inspect(filepath.Join(t.TempDir(), "does-not-exist.gguf")); ok {
		t.Error("expected Inspect to fail for a nonexistent path")
	}
}

func TestInspectCorruptFileFails(t *testing.T) {
	path := writeTempGGUF(t, []byte("not a gguf file"))
	if _, ok := Inspect(path); ok {
		t.Error("expected Inspect to fail for a corrupt file")
	}
}

func containsTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}
