/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Package snapshot writes the periodic JSON dump of the reachable set
// and computes its modal block height.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Entry is one [address, port, services, height] tuple in the snapshot
// array.
type Entry struct {
	Address  string
	Port     uint16
	Services uint64
	Height   int64
}

// MarshalJSON renders Entry as a 4-element positional array rather
// than an object, since the snapshot format is fixed and external
// tooling already expects the positional shape.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]interface{}{e.Address, e.Port, e.Services, e.Height})
}

// Write renders entries as a JSON array to <dir>/<timestamp>.json.
func Write(dir string, timestamp int64, entries []Entry) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("%d.json", timestamp))
	b, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("snapshot: encoding: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("snapshot: writing %s: %w", path, err)
	}
	return path, nil
}

// ModalHeight returns the most common height across entries, the
// pass's canonical height. Ties resolve to whichever height is
// encountered first, matching Python's Counter.most_common for a tie
// (insertion order of first occurrence).
func ModalHeight(entries []Entry) int64 {
	counts := make(map[int64]int)
	order := make([]int64, 0, len(entries))
	for _, e := range entries {
		if counts[e.Height] == 0 {
			order = append(order, e.Height)
		}
		counts[e.Height]++
	}
	var best int64
	bestCount := -1
	for _, h := range order {
		if counts[h] > bestCount {
			best = h
			bestCount = counts[h]
		}
	}
	return best
}
