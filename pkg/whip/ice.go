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
	"math/rand"

	"github.com/pion/stun/v3"

	"github.com/livekit/protocol/logger"
)

const stunHeaderSize = 20

// iceAgent builds and answers STUN binding messages for the ICE-Lite
// client-server exchange. The publisher sends a single binding request with
// USE-CANDIDATE and answers the server's own checks, no full connectivity
// checking is performed.
type iceAgent struct {
	logger logger.Logger
	rnd    *rand.Rand

	localUfrag string
	localPwd   string

	remoteUfrag string
	remotePwd   string
}

func newICEAgent(l logger.Logger, rnd *rand.Rand) *iceAgent {
	return &iceAgent{
		logger:     l,
		rnd:        rnd,
		localUfrag: fmt.Sprintf("%08x", rnd.Uint32()),
		localPwd: fmt.Sprintf("%08x%08x%08x%08x",
			rnd.Uint32(), rnd.Uint32(), rnd.Uint32(), rnd.Uint32()),
	}
}

func (a *iceAgent) setRemoteCredentials(ufrag, pwd string) {
	a.remoteUfrag = ufrag
	a.remotePwd = pwd
}

// useCandidate adds the zero length USE-CANDIDATE attribute.
type useCandidate struct{}

func (useCandidate) AddTo(m *stun.Message) error {
	m.Add(stun.AttrUseCandidate, nil)
	return nil
}

// buildBindingRequest marshals a binding request with USERNAME
// "remote:local", USE-CANDIDATE, MESSAGE-INTEGRITY keyed with the remote ice
// pwd and FINGERPRINT.
func (a *iceAgent) buildBindingRequest() ([]byte, error) {
	var tid [stun.TransactionIDSize]byte
	if _, err := a.rnd.Read(tid[:]); err != nil {
		return nil, err
	}
	return a.buildBindingRequestTID(tid)
}

func (a *iceAgent) buildBindingRequestTID(tid [stun.TransactionIDSize]byte) ([]byte, error) {
	m := new(stun.Message)
	if err := m.Build(
		stun.NewTransactionIDSetter(tid),
		stun.BindingRequest,
		stun.NewUsername(a.remoteUfrag+":"+a.localUfrag),
		useCandidate{},
		stun.NewShortTermIntegrity(a.remotePwd),
		stun.Fingerprint,
	); err != nil {
		return nil, err
	}
	return m.Raw, nil
}

// handleBindingRequest validates an inbound binding request and builds the
// matching binding success response, signed with the local ice pwd so the
// peer's ICE-Lite check passes. A nil response means the request was dropped.
func (a *iceAgent) handleBindingRequest(buf []byte) ([]byte, error) {
	req := &stun.Message{Raw: append([]byte(nil), buf...)}
	if err := req.Decode(); err != nil {
		a.logger.Debugw("dropping malformed STUN request", "error", err)
		return nil, nil
	}

	if err := stun.Fingerprint.Check(req); err != nil {
		a.logger.Debugw("dropping STUN request with bad fingerprint", "error", err)
		return nil, nil
	}
	// Requests addressed to us are keyed with our pwd.
	if err := stun.NewShortTermIntegrity(a.localPwd).Check(req); err != nil {
		a.logger.Debugw("dropping STUN request with bad integrity", "error", err)
		return nil, nil
	}

	resp := new(stun.Message)
	if err := resp.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		stun.NewShortTermIntegrity(a.localPwd),
		stun.Fingerprint,
	); err != nil {
		return nil, err
	}
	return resp.Raw, nil
}

// A binding request encodes class 0b00 and method Binding into the first two
// bytes as 0x0001.
func isBindingRequest(b []byte) bool {
	return len(b) >= stunHeaderSize && b[0] == 0x00 && b[1] == 0x01
}

// A binding success encodes class 0b10 and method Binding as 0x0101.
func isBindingResponse(b []byte) bool {
	return len(b) >= stunHeaderSize && b[0] == 0x01 && b[1] == 0x01
}
