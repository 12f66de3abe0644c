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

package whip

import (
	"encoding/binary"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/livekit/whip-publisher/pkg/errors"
	"github.com/livekit/whip-publisher/pkg/params"
)

const (
	rtpHeaderSize = 12

	naluTypeSTAPA = 24

	naluTypeSPS = 7
	naluTypePPS = 8
	naluTypeIDR = 5

	// Samples per Opus packet at 48kHz, 20ms.
	opusFrameSamples = 960
)

// packetSink receives every marshaled RTP datagram a packetizer emits.
type packetSink func(buf []byte) error

// h264Packetizer turns H.264 access units into RTP packets, fragmenting with
// FU-A and aggregating parameter sets with STAP-A (packetization-mode 1).
// Inputs may use annexb start codes or AVCC length prefixes.
type h264Packetizer struct {
	ssrc          uint32
	payloadType   uint8
	maxPacketSize int
	nalLengthSize int

	payloader *codecs.H264Payloader
	sequencer rtp.Sequencer
	sink      packetSink
}

func newH264Packetizer(ssrc uint32, pt uint8, maxPacketSize, nalLengthSize int, sink packetSink) *h264Packetizer {
	return &h264Packetizer{
		ssrc:          ssrc,
		payloadType:   pt,
		maxPacketSize: maxPacketSize,
		nalLengthSize: nalLengthSize,
		payloader:     &codecs.H264Payloader{},
		sequencer:     rtp.NewRandomSequencer(),
		sink:          sink,
	}
}

// writeAccessUnit packetizes one access unit at the given 90kHz timestamp.
// The marker bit is set on the last packet of the unit.
func (p *h264Packetizer) writeAccessUnit(au []byte, timestamp uint32) error {
	if p.nalLengthSize > 0 {
		converted, err := avccToAnnexB(au, p.nalLengthSize)
		if err != nil {
			return err
		}
		au = converted
	}

	payloads := p.payloader.Payload(uint16(p.maxPacketSize-rtpHeaderSize), au)
	for i, payload := range payloads {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}

		buf, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if err = p.sink(buf); err != nil {
			return err
		}
	}

	return nil
}

// opusPacketizer sends one Opus access unit per RTP packet.
type opusPacketizer struct {
	ssrc          uint32
	payloadType   uint8
	maxPacketSize int

	payloader *codecs.OpusPayloader
	sequencer rtp.Sequencer
	sink      packetSink
}

func newOpusPacketizer(ssrc uint32, pt uint8, maxPacketSize int, sink packetSink) *opusPacketizer {
	return &opusPacketizer{
		ssrc:          ssrc,
		payloadType:   pt,
		maxPacketSize: maxPacketSize,
		payloader:     &codecs.OpusPayloader{},
		sequencer:     rtp.NewRandomSequencer(),
		sink:          sink,
	}
}

func (p *opusPacketizer) writePacket(data []byte, timestamp uint32) error {
	for _, payload := range p.payloader.Payload(uint16(p.maxPacketSize-rtpHeaderSize), data) {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}

		buf, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if err = p.sink(buf); err != nil {
			return err
		}
	}

	return nil
}

// avccToAnnexB rewrites length prefixed NAL units with 4 byte start codes.
func avccToAnnexB(au []byte, nalLengthSize int) ([]byte, error) {
	out := make([]byte, 0, len(au)+8)

	for len(au) > 0 {
		if len(au) < nalLengthSize {
			return nil, errors.New("truncated NAL length prefix")
		}

		var naluLen int
		switch nalLengthSize {
		case 1:
			naluLen = int(au[0])
		case 2:
			naluLen = int(binary.BigEndian.Uint16(au))
		case 4:
			naluLen = int(binary.BigEndian.Uint32(au))
		default:
			return nil, errors.New("invalid NAL length size")
		}
		au = au[nalLengthSize:]

		if naluLen <= 0 || naluLen > len(au) {
			return nil, errors.New("truncated NAL unit")
		}

		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, au[:naluLen]...)
		au = au[naluLen:]
	}

	return out, nil
}

// accessUnitNALTypes reports whether the access unit contains SPS, PPS or
// IDR NAL units, in either annexb or AVCC form.
func accessUnitNALTypes(au []byte, nalLengthSize int) (spsSeen, ppsSeen, idrSeen bool) {
	var nalus [][]byte

	if nalLengthSize == 0 {
		nalus = params.AnnexBNALUnits(au)
	} else {
		for len(au) > nalLengthSize {
			var naluLen int
			switch nalLengthSize {
			case 1:
				naluLen = int(au[0])
			case 2:
				naluLen = int(binary.BigEndian.Uint16(au))
			default:
				naluLen = int(binary.BigEndian.Uint32(au))
			}
			au = au[nalLengthSize:]
			if naluLen <= 0 || naluLen > len(au) {
				break
			}
			nalus = append(nalus, au[:naluLen])
			au = au[naluLen:]
		}
	}

	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1f {
		case naluTypeSPS:
			spsSeen = true
		case naluTypePPS:
			ppsSeen = true
		case naluTypeIDR:
			idrSeen = true
		}
	}

	return
}

// fixupSTAPA enforces the aggregate packet rules on a marshaled video RTP
// packet: STAP-A packets never carry the marker bit, and the aggregate NAL
// header's NRI must match the first inner NAL's.
func fixupSTAPA(buf []byte) {
	if len(buf) <= rtpHeaderSize {
		return
	}
	if buf[rtpHeaderSize]&0x1f != naluTypeSTAPA {
		return
	}

	if buf[1]&0x80 != 0 {
		buf[1] &= 0x7f
	}

	if len(buf) > 15 && (buf[15]&0x60) != (buf[12]&0x60) {
		buf[12] = (buf[12] & 0x80) | (buf[15] & 0x60) | (buf[12] & 0x1f)
	}
}
