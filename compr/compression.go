// Copyright 2023 Haze Labs, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package compr encodes result chunks as self-describing compressed
// frames.
//
// A frame is a single kind byte followed by the payload. Frames decode
// without any out-of-band metadata, so chunks cached by one process can
// be handed to any client regardless of the compression the process was
// configured with.
package compr

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Kind is the frame encoding identifier. It is the first byte of
// every frame, so the values are part of the wire format and must
// not be renumbered.
type Kind uint8

const (
	// Raw stores the payload verbatim.
	Raw Kind = iota
	// S2 compresses the payload in s2 block format.
	S2
	// Zstd compresses the payload as a zstd frame.
	Zstd
)

func (k Kind) String() string {
	switch k {
	case Raw:
		return "none"
	case S2:
		return "s2"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind selects a frame encoding by configuration name.
// The empty name selects S2.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "", "s2":
		return S2, nil
	case "none", "raw":
		return Raw, nil
	case "zstd":
		return Zstd, nil
	}
	return 0, fmt.Errorf("compr: unknown compression %q", name)
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	// by default, concurrency is set to min(4, GOMAXPROCS);
	// we'd like it to *always* be GOMAXPROCS
	e, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdEncoder = e
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdDecoder = d
}

// Compress encodes src as a frame of the given kind.
// It is safe to call concurrently; the zstd encoder state is shared.
func Compress(k Kind, src []byte) []byte {
	switch k {
	case S2:
		buf := make([]byte, 1+s2.MaxEncodedLen(len(src)))
		buf[0] = byte(S2)
		n := len(s2.Encode(buf[1:], src))
		return buf[:1+n]
	case Zstd:
		dst := make([]byte, 1, 1+len(src)/2+64)
		dst[0] = byte(Zstd)
		return zstdEncoder.EncodeAll(src, dst)
	default:
		out := make([]byte, 1+len(src))
		out[0] = byte(Raw)
		copy(out[1:], src)
		return out
	}
}

// Decompress decodes a frame produced by Compress. The caller owns
// the returned slice; it never aliases the frame.
func Decompress(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errors.New("compr: empty frame")
	}
	payload := frame[1:]
	switch Kind(frame[0]) {
	case Raw:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case S2:
		return s2.Decode(nil, payload)
	case Zstd:
		return zstdDecoder.DecodeAll(payload, nil)
	}
	return nil, fmt.Errorf("compr: unknown frame kind %#x", frame[0])
}
