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
	"strings"
)

// familyTags maps substrings found in a GGUF file's architecture or name
// metadata to the capability tags the registry's memory-tier heuristic
// would otherwise have to guess at.
var familyTags = map[string]string{
	"mixtral":  "mixtral",
	"llama":    "7b-full",
	"gemma":    "codegemma",
	"qwen":     "9b",
	"phi":      "7b-q4",
	"mistral":  "7b-full",
	"deepseek": "34b",
}

// Inspect opens the GGUF file at source and derives its supported-model
// tags from real header metadata instead of the GPU-memory-tier fallback.
// It satisfies registry.ModelInspector: any failure to open or parse the
// file is reported as ok=false and must never block provisioning.
func Inspect(source string) ([]string, bool) {
	f, err := os.Open(source)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	gf, err := Parse(f)
	if err != nil {
		return nil, false
	}

	tags := make(map[string]struct{})
	haystack := strings.ToLower(gf.Architecture() + " " + gf.Name())
	for needle, tag := range familyTags {
		if strings.Contains(haystack, needle) {
			tags[tag] = struct{}{}
		}
	}

	// A quantized file that still fits comfortably is always at least a
	// 7b-q4 citizen regardless of whether its family was recognized.
	switch strings.ToUpper(gf.Quantization()) {
	case "Q2_K", "Q3_K_S", "Q3_K_M", "Q3_K_L", "Q4_0", "Q4_1", "Q4_K_S", "Q4_K_M":
		tags["7b-q4"] = struct{}{}
	}

	if len(tags) == 0 {
		return nil, false
	}

	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	return out, true
}
