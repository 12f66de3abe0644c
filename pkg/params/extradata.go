// Copyright 2023 LiveKit, Inc.
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

package params

import (
	"bytes"
	"encoding/binary"

	"github.com/livekit/whip-publisher/pkg/errors"
)

// H264Extradata holds the decoder configuration of an H.264 stream, parsed
// either from an ISOM AVCDecoderConfigurationRecord or from annexb sequence
// headers.
type H264Extradata struct {
	// NALLengthSize is the size of the NAL unit length prefix in AVCC
	// streams, one of 1, 2 or 4. Zero means the stream is annexb.
	NALLengthSize int
	SPS           []byte
	PPS           []byte

	raw []byte
}

// ParseH264Extradata parses extradata in ISOM AVCC format and extracts the
// SPS and PPS. Annexb extradata is kept whole, the entire blob acts as the
// sequence header.
func ParseH264Extradata(data []byte) (*H264Extradata, error) {
	if len(data) == 0 {
		return nil, errors.ErrInvalidExtradata
	}

	e := &H264Extradata{raw: append([]byte(nil), data...)}

	if len(data) < 4 || data[0] != 1 {
		// Not ISOM, require at least one annexb start code.
		if !hasAnnexBStartCode(data) {
			return nil, errors.ErrInvalidExtradata
		}
		return e, nil
	}

	// configurationVersion, profile, compatibility, level
	if data[0] != 1 {
		return nil, errors.ErrInvalidExtradata
	}

	e.NALLengthSize = int(data[4]&0x03) + 1
	if e.NALLengthSize == 3 {
		return nil, errors.ErrInvalidExtradata
	}

	if len(data) < 6 {
		return nil, errors.ErrInvalidExtradata
	}
	if nbSPS := data[5] & 0x1f; nbSPS != 1 {
		return nil, errors.ErrInvalidExtradata
	}

	p := data[6:]
	if len(p) < 2 {
		return nil, errors.ErrInvalidExtradata
	}
	spsSize := int(binary.BigEndian.Uint16(p))
	p = p[2:]
	if spsSize <= 0 || len(p) < spsSize {
		return nil, errors.ErrInvalidExtradata
	}
	e.SPS = append([]byte(nil), p[:spsSize]...)
	p = p[spsSize:]

	if len(p) < 1 || p[0] != 1 {
		return nil, errors.ErrInvalidExtradata
	}
	p = p[1:]
	if len(p) < 2 {
		return nil, errors.ErrInvalidExtradata
	}
	ppsSize := int(binary.BigEndian.Uint16(p))
	p = p[2:]
	if ppsSize <= 0 || len(p) < ppsSize {
		return nil, errors.ErrInvalidExtradata
	}
	e.PPS = append([]byte(nil), p[:ppsSize]...)

	return e, nil
}

// IsAnnexB reports whether the source stream uses annexb start codes instead
// of NAL length prefixes.
func (e *H264Extradata) IsAnnexB() bool {
	return e.NALLengthSize == 0
}

// SequenceHeader returns the access unit to send ahead of each IDR frame. In
// annexb mode this is the raw extradata. In AVCC mode the SPS and PPS are
// emitted with NALLengthSize byte big-endian length prefixes.
func (e *H264Extradata) SequenceHeader() []byte {
	if e.IsAnnexB() {
		return append([]byte(nil), e.raw...)
	}

	out := make([]byte, 0, 2*e.NALLengthSize+len(e.SPS)+len(e.PPS))
	out = appendLengthPrefixed(out, e.SPS, e.NALLengthSize)
	out = appendLengthPrefixed(out, e.PPS, e.NALLengthSize)
	return out
}

func appendLengthPrefixed(dst, nalu []byte, lengthSize int) []byte {
	for i := lengthSize - 1; i >= 0; i-- {
		dst = append(dst, byte(len(nalu)>>(8*i)))
	}
	return append(dst, nalu...)
}

var (
	startCode3 = []byte{0x00, 0x00, 0x01}
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

func hasAnnexBStartCode(data []byte) bool {
	return bytes.Contains(data, startCode3)
}

// AnnexBNALUnits splits an annexb buffer into NAL units, dropping the start
// codes.
func AnnexBNALUnits(data []byte) [][]byte {
	var nalus [][]byte

	for {
		i := bytes.Index(data, startCode3)
		if i < 0 {
			break
		}
		data = data[i+len(startCode3):]

		next := bytes.Index(data, startCode3)
		end := len(data)
		if next >= 0 {
			end = next
			// 4 byte start codes leave a trailing zero on the previous unit
			if next > 0 && data[next-1] == 0x00 {
				end--
			}
		}
		if end > 0 {
			nalus = append(nalus, data[:end])
		}
		if next < 0 {
			break
		}
		data = data[end:]
	}

	return nalus
}
