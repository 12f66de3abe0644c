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
	"github.com/pion/srtp/v3"

	"github.com/livekit/whip-publisher/pkg/errors"
)

// srtpContexts holds the four protection contexts of a session. Audio, video
// and RTCP sends share the same master key but must keep separate rollover
// counters, so each gets its own context. A single context decrypts
// everything received.
type srtpContexts struct {
	audioSend *srtp.Context
	videoSend *srtp.Context
	rtcpSend  *srtp.Context
	recv      *srtp.Context

	sendKey []byte
	recvKey []byte
}

// deriveSRTPContexts splits the DTLS keying material and keys the contexts.
// The material layout is
//
//	client_key(16) | server_key(16) | client_salt(14) | server_salt(14)
//
// and as the DTLS server this host sends with the server half and receives
// with the client half. Reversing the split produces a session that no peer
// can decrypt.
func deriveSRTPContexts(material []byte) (*srtpContexts, error) {
	if len(material) != srtpKeyingMaterialLen {
		return nil, errors.New("invalid SRTP keying material length")
	}

	clientKey := material[:srtpMasterKeyLen]
	serverKey := material[srtpMasterKeyLen : 2*srtpMasterKeyLen]
	clientSalt := material[2*srtpMasterKeyLen : 2*srtpMasterKeyLen+srtpMasterSaltLen]
	serverSalt := material[2*srtpMasterKeyLen+srtpMasterSaltLen:]

	c := &srtpContexts{
		sendKey: append(append([]byte(nil), serverKey...), serverSalt...),
		recvKey: append(append([]byte(nil), clientKey...), clientSalt...),
	}

	var err error
	if c.audioSend, err = srtp.CreateContext(serverKey, serverSalt, srtp.ProtectionProfileAes128CmHmacSha1_80); err != nil {
		return nil, err
	}
	if c.videoSend, err = srtp.CreateContext(serverKey, serverSalt, srtp.ProtectionProfileAes128CmHmacSha1_80); err != nil {
		return nil, err
	}
	if c.rtcpSend, err = srtp.CreateContext(serverKey, serverSalt, srtp.ProtectionProfileAes128CmHmacSha1_80); err != nil {
		return nil, err
	}
	if c.recv, err = srtp.CreateContext(clientKey, clientSalt, srtp.ProtectionProfileAes128CmHmacSha1_80); err != nil {
		return nil, err
	}

	return c, nil
}
