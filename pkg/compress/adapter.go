// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package compress decides per payload whether compression is worthwhile and applies it.
//
// The decision is based on the Shannon entropy of a payload sample. Already encrypted or otherwise dense payloads
// exceed the threshold and are passed through untouched. Mis-tuning only affects efficiency: a payload is never sent
// compressed if this would not make it smaller.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// ErrDecompression is returned for corrupt compressed payloads. Such frames are treated as lost.
var ErrDecompression = errors.New("decompression failed")

// Defaults of an Adapter.
const (
	DefaultThreshold           = 7.5
	DefaultSampleSize          = 4096
	DefaultMinSize             = 128
	DefaultMaxDecompressedSize = 1<<20 + 64<<10

	maxDictCap = 64 << 10
	bufSize    = 1 << 10
)

// Adapter applies the entropy heuristic and the xz compression.
type Adapter struct {
	// Disabled passes every payload through.
	Disabled bool

	// Threshold in bits per byte. Samples of a higher entropy are not compressed.
	Threshold float64

	// SampleSize limits the bytes inspected for the entropy estimate.
	SampleSize int

	// MinSize is the smallest payload to be compressed. Smaller ones cannot amortize xz's container overhead.
	MinSize int

	// MaxDecompressedSize limits the output of MaybeDecompress.
	MaxDecompressedSize int

	// thresholdMutex guards Threshold against SetThreshold while the Adapter is in use.
	thresholdMutex sync.RWMutex
}

// NewAdapter with default settings.
func NewAdapter() *Adapter {
	return &Adapter{
		Threshold:           DefaultThreshold,
		SampleSize:          DefaultSampleSize,
		MinSize:             DefaultMinSize,
		MaxDecompressedSize: DefaultMaxDecompressedSize,
	}
}

// Worthwhile reports whether a payload should be handed to the compressor.
func (a *Adapter) Worthwhile(payload []byte) bool {
	if a.Disabled || len(payload) < a.MinSize || len(payload) == 0 {
		return false
	}

	a.thresholdMutex.RLock()
	threshold := a.Threshold
	a.thresholdMutex.RUnlock()

	return Entropy(Sample(payload, a.SampleSize)) <= threshold
}

// SetThreshold changes the entropy threshold of an Adapter which might be in use.
func (a *Adapter) SetThreshold(threshold float64) {
	a.thresholdMutex.Lock()
	a.Threshold = threshold
	a.thresholdMutex.Unlock()
}

// dictCapFor a payload. A dictionary larger than the payload itself gains nothing but allocations.
func dictCapFor(size int) int {
	switch {
	case size < lzma.MinDictCap:
		return lzma.MinDictCap
	case size > maxDictCap:
		return maxDictCap
	default:
		return size
	}
}

// MaybeCompress returns either a compressed payload and true or the unaltered payload and false. The result is never
// larger than the input.
func (a *Adapter) MaybeCompress(payload []byte) ([]byte, bool) {
	if !a.Worthwhile(payload) {
		return payload, false
	}

	var buf bytes.Buffer
	buf.Grow(len(payload) / 2)

	conf := xz.WriterConfig{
		DictCap:  dictCapFor(len(payload)),
		BufSize:  bufSize,
		CheckSum: xz.CRC32,
	}
	xzW, err := conf.NewWriter(&buf)
	if err != nil {
		return payload, false
	}
	if _, err = xzW.Write(payload); err != nil {
		return payload, false
	}
	if err = xzW.Close(); err != nil {
		return payload, false
	}

	if buf.Len() >= len(payload) {
		return payload, false
	}
	return buf.Bytes(), true
}

// MaybeDecompress is the inverse of MaybeCompress, gated by the compressed flag.
func (a *Adapter) MaybeDecompress(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}

	// The stream header's dictionary capacity takes precedence over this minimum.
	readerConf := xz.ReaderConfig{DictCap: lzma.MinDictCap, SingleStream: true}
	xzR, err := readerConf.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}

	limit := a.MaxDecompressedSize
	if limit <= 0 {
		limit = DefaultMaxDecompressedSize
	}

	out, err := io.ReadAll(io.LimitReader(xzR, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: output exceeds %d bytes", ErrDecompression, limit)
	}
	return out, nil
}
