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
	"github.com/pion/rtcp"
)

// RTCP packet types use the PT range [192, 223] once the marker bit is
// folded in.
const (
	rtcpPTStart = 192
	rtcpPTEnd   = 223
)

func isRTPOrRTCP(b []byte) bool {
	return len(b) >= rtpHeaderSize && b[0]&0xc0 == 0x80
}

func isRTCP(b []byte) bool {
	return len(b) >= rtpHeaderSize && b[1] >= rtcpPTStart && b[1] <= rtcpPTEnd
}

// handleRTCP decrypts and parses inbound feedback. A PLI requests a fresh
// keyframe from the encoder. The remaining payload-specific feedback types
// carry no action for a publisher and are only logged.
func (s *Session) handleRTCP(buf []byte) {
	if s.srtp == nil || s.srtp.recv == nil {
		return
	}

	decrypted, err := s.srtp.recv.DecryptRTCP(nil, buf, nil)
	if err != nil {
		s.logger.Debugw("failed to decrypt RTCP", "error", err)
		return
	}

	pkts, err := rtcp.Unmarshal(decrypted)
	if err != nil {
		s.logger.Debugw("failed to parse RTCP", "error", err)
		return
	}

	for _, pkt := range pkts {
		switch fb := pkt.(type) {
		case *rtcp.PictureLossIndication:
			s.logger.Debugw("received PLI", "mediaSSRC", fb.MediaSSRC)
			if s.onKeyFrameRequest != nil {
				s.onKeyFrameRequest()
			}
		case *rtcp.FullIntraRequest:
			s.logger.Debugw("ignoring FIR", "mediaSSRC", fb.MediaSSRC)
		case *rtcp.SliceLossIndication:
			s.logger.Debugw("ignoring SLI", "mediaSSRC", fb.MediaSSRC)
		case *rtcp.ReceiverReport:
			// No sender-side action.
		default:
			s.logger.Debugw("ignoring RTCP feedback", "ssrcs", pkt.DestinationSSRC())
		}
	}
}
