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
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/livekit/whip-publisher/pkg/errors"
	"github.com/livekit/whip-publisher/pkg/params"
)

// ICE-Lite sessions never use these fields, they are fixed.
const (
	sdpSessionID = "4489045141692799359"
	sdpCreatorIP = "127.0.0.1"
)

type offerParams struct {
	audio *params.AudioParams
	video *params.VideoParams

	iceUfrag    string
	icePwd      string
	fingerprint string

	audioSSRC uint32
	videoSSRC uint32
	audioPT   uint8
	videoPT   uint8
}

// marshalOffer renders the SDP offer. The layout is fixed: BUNDLE over both
// mids, DTLS setup passive, send only, rtcp-mux, one codec per media section.
func marshalOffer(p *offerParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, ""+
		"v=0\r\n"+
		"o=FFmpeg %s 2 IN IP4 %s\r\n"+
		"s=FFmpegPublishSession\r\n"+
		"t=0 0\r\n"+
		"a=group:BUNDLE 0 1\r\n"+
		"a=extmap-allow-mixed\r\n"+
		"a=msid-semantic: WMS\r\n",
		sdpSessionID,
		sdpCreatorIP)

	if p.audio != nil {
		fmt.Fprintf(&b, ""+
			"m=audio 9 UDP/TLS/RTP/SAVPF %d\r\n"+
			"c=IN IP4 0.0.0.0\r\n"+
			"a=ice-ufrag:%s\r\n"+
			"a=ice-pwd:%s\r\n"+
			"a=fingerprint:sha-256 %s\r\n"+
			"a=setup:passive\r\n"+
			"a=mid:0\r\n"+
			"a=sendonly\r\n"+
			"a=msid:FFmpeg audio\r\n"+
			"a=rtcp-mux\r\n"+
			"a=rtpmap:%d opus/%d/%d\r\n"+
			"a=ssrc:%d cname:FFmpeg\r\n"+
			"a=ssrc:%d msid:FFmpeg audio\r\n",
			p.audioPT,
			p.iceUfrag,
			p.icePwd,
			p.fingerprint,
			p.audioPT,
			p.audio.SampleRate,
			p.audio.Channels,
			p.audioSSRC,
			p.audioSSRC)
	}

	if p.video != nil {
		fmt.Fprintf(&b, ""+
			"m=video 9 UDP/TLS/RTP/SAVPF %d\r\n"+
			"c=IN IP4 0.0.0.0\r\n"+
			"a=ice-ufrag:%s\r\n"+
			"a=ice-pwd:%s\r\n"+
			"a=fingerprint:sha-256 %s\r\n"+
			"a=setup:passive\r\n"+
			"a=mid:1\r\n"+
			"a=sendonly\r\n"+
			"a=msid:FFmpeg video\r\n"+
			"a=rtcp-mux\r\n"+
			"a=rtcp-rsize\r\n"+
			"a=rtpmap:%d H264/90000\r\n"+
			"a=fmtp:%d level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=%02x%02x%02x\r\n"+
			"a=ssrc:%d cname:FFmpeg\r\n"+
			"a=ssrc:%d msid:FFmpeg video\r\n",
			p.videoPT,
			p.iceUfrag,
			p.icePwd,
			p.fingerprint,
			p.videoPT,
			p.videoPT,
			p.video.ProfileIdc,
			p.video.ProfileIop,
			p.video.LevelIdc,
			p.videoSSRC,
			p.videoSSRC)
	}

	return b.String()
}

// remoteICE is the peer transport extracted from the SDP answer.
type remoteICE struct {
	ufrag    string
	pwd      string
	protocol string
	host     string
	port     int
	priority int
}

// parseAnswer extracts the first ice-ufrag, ice-pwd and the first udp host
// candidate from the answer. Only one candidate is used.
func parseAnswer(answer string) (*remoteICE, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(answer)); err != nil {
		return nil, errors.ErrInvalidAnswer(err.Error())
	}

	r := &remoteICE{}

	attrs := make([]sdp.Attribute, 0, len(desc.Attributes))
	attrs = append(attrs, desc.Attributes...)
	for _, m := range desc.MediaDescriptions {
		attrs = append(attrs, m.Attributes...)
	}

	for _, attr := range attrs {
		switch attr.Key {
		case "ice-ufrag":
			if r.ufrag == "" {
				r.ufrag = attr.Value
			}
		case "ice-pwd":
			if r.pwd == "" {
				r.pwd = attr.Value
			}
		case "candidate":
			if r.protocol == "" {
				if cand, err := parseCandidate(attr.Value); err != nil {
					return nil, err
				} else if cand != nil {
					r.protocol = cand.protocol
					r.host = cand.host
					r.port = cand.port
					r.priority = cand.priority
				}
			}
		}
	}

	if r.ufrag == "" || r.pwd == "" {
		return nil, errors.ErrNoICECredentials
	}
	if r.protocol == "" || r.host == "" || r.port == 0 {
		return nil, errors.ErrNoICECandidate
	}

	return r, nil
}

// parseCandidate reads "<protocol> <priority> <host> <port> typ host"
// starting at the protocol token. Candidates that are not udp host
// candidates are skipped, a udp candidate with a non-udp protocol token is
// an error.
func parseCandidate(value string) (*remoteICE, error) {
	lower := strings.ToLower(value)
	i := strings.Index(lower, "udp")
	if i < 0 || !strings.Contains(lower, "host") {
		return nil, nil
	}

	fields := strings.Fields(value[i:])
	if len(fields) < 6 || fields[4] != "typ" || fields[5] != "host" {
		return nil, errors.ErrInvalidAnswer("malformed candidate: " + value)
	}
	if !strings.EqualFold(fields[0], "udp") {
		return nil, errors.ErrInvalidAnswer("candidate protocol must be udp: " + value)
	}

	priority, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, errors.ErrInvalidAnswer("malformed candidate priority: " + value)
	}
	port, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, errors.ErrInvalidAnswer("malformed candidate port: " + value)
	}

	return &remoteICE{
		protocol: strings.ToLower(fields[0]),
		priority: priority,
		host:     fields[2],
		port:     port,
	}, nil
}
