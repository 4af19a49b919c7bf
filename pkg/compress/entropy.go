// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package compress

import "math"

// sampleWindows is the number of evenly spaced windows a large payload is sampled from.
const sampleWindows = 4

// Entropy estimates the Shannon entropy of data's byte-value histogram in bits per byte, ranging from 0 to 8.
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var histogram [256]int
	for _, b := range data {
		histogram[b]++
	}

	var (
		total   = float64(len(data))
		entropy float64
	)
	for _, count := range histogram {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Sample returns at most size bytes of data. Payloads larger than size are sampled from evenly spaced windows, so a
// compressible head does not hide an incompressible tail or vice versa.
func Sample(data []byte, size int) []byte {
	if size <= 0 || len(data) <= size {
		return data
	}

	window := size / sampleWindows
	if window == 0 {
		return data[:size]
	}

	stride := (len(data) - window) / (sampleWindows - 1)
	sample := make([]byte, 0, window*sampleWindows)
	for i := 0; i < sampleWindows; i++ {
		start := i * stride
		sample = append(sample, data[start:start+window]...)
	}
	return sample
}
