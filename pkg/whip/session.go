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
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/whip-publisher/pkg/config"
	"github.com/livekit/whip-publisher/pkg/errors"
	"github.com/livekit/whip-publisher/pkg/params"
	"github.com/livekit/whip-publisher/pkg/stats"
	"github.com/livekit/whip-publisher/pkg/types"
)

const (
	// Chrome's payload type assignments.
	payloadTypeH264 uint8 = 106
	payloadTypeOpus uint8 = 111

	// Poll cadence while waiting for ICE and DTLS messages. The peer may not
	// be ready yet, so each pass makes up to 10 reads with a 5ms sleep after
	// every empty one.
	handshakeReadInterval = 5 * time.Millisecond
	handshakeReadAttempts = 10
)

// Options carries the per-publish inputs. The codec parameter structs are
// borrowed and must outlive the session.
type Options struct {
	Video *params.VideoParams
	Audio *params.AudioParams

	// OnKeyFrameRequest is invoked when the peer asks for a fresh keyframe
	// via PLI.
	OnKeyFrameRequest func()

	Monitor *stats.Monitor

	rnd *rand.Rand
}

// Session publishes one stream pair to a WHIP endpoint. It is not safe for
// concurrent use, a single task owns it from NewSession to Close.
type Session struct {
	logger logger.Logger
	conf   *config.Config

	state State
	rnd   *rand.Rand

	video             *params.VideoParams
	audio             *params.AudioParams
	onKeyFrameRequest func()
	monitor           *stats.Monitor

	ice      *iceAgent
	dtls     dtlsTransport
	signaler *signaler
	udp      *udpConn
	srtp     *srtpContexts

	audioSSRC uint32
	videoSSRC uint32
	audioPT   uint8
	videoPT   uint8

	offer  string
	answer string
	remote *remoteICE

	videoPacketizer *h264Packetizer
	audioPacketizer *opusPacketizer

	// Opus packets advance this by 960 samples each, overriding input pts.
	audioJitterBase uint32

	dtlsLock     sync.Mutex
	dtlsFinished bool
	dtlsClosed   bool
	dtlsErr      error

	readBuf   []byte
	cipherBuf []byte

	closeFuse core.Fuse

	startTime  time.Time
	offerTime  time.Time
	answerTime time.Time
	udpTime    time.Time
	iceTime    time.Time
	dtlsTime   time.Time
	srtpTime   time.Time
}

// NewSession validates the codec parameters and prepares the local identity:
// ICE credentials, SSRCs, payload types and the DTLS certificate.
func NewSession(conf *config.Config, opts *Options) (*Session, error) {
	if conf == nil {
		return nil, errors.ErrNoConfig
	}
	if opts == nil || (opts.Video == nil && opts.Audio == nil) {
		return nil, errors.New("no streams to publish")
	}

	s := &Session{
		logger:            logger.GetLogger().WithValues("component", "whip"),
		conf:              conf,
		state:             StateNone,
		video:             opts.Video,
		audio:             opts.Audio,
		onKeyFrameRequest: opts.OnKeyFrameRequest,
		monitor:           opts.Monitor,
		rnd:               opts.rnd,
		readBuf:           make([]byte, maxUDPBufferSize),
		cipherBuf:         make([]byte, maxUDPBufferSize),
		startTime:         time.Now(),
	}

	if s.rnd == nil {
		var seed int64
		if err := binary.Read(cryptorand.Reader, binary.BigEndian, &seed); err != nil {
			return nil, err
		}
		s.rnd = rand.New(rand.NewSource(seed))
	}

	if s.video != nil {
		if err := s.video.Validate(); err != nil {
			return nil, err
		}
	}
	if s.audio != nil {
		if err := s.audio.Validate(); err != nil {
			return nil, err
		}
	}

	s.ice = newICEAgent(s.logger, s.rnd)
	s.audioSSRC = s.rnd.Uint32()
	s.videoSSRC = s.rnd.Uint32()
	s.audioPT = payloadTypeOpus
	s.videoPT = payloadTypeH264

	timeout := time.Duration(conf.HandshakeTimeout) * time.Millisecond
	dtls, err := newDTLSAdapter(s.logger, conf.PktSize, timeout, s.writeDTLSRecord, s.onDTLSState)
	if err != nil {
		return nil, err
	}
	s.dtls = dtls

	s.advance(StateInit)
	s.logger.Infow("session initialized",
		"handshakeTimeout", conf.HandshakeTimeout,
		"pktSize", conf.PktSize)

	return s, nil
}

// Connect runs signaling and the ICE and DTLS handshakes, then keys SRTP and
// builds the packetizers. On return the session is ready for writes.
func (s *Session) Connect(ctx context.Context, endpoint string) error {
	if err := s.connect(ctx, endpoint); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) connect(ctx context.Context, endpoint string) error {
	s.offer = marshalOffer(&offerParams{
		audio:       s.audio,
		video:       s.video,
		iceUfrag:    s.ice.localUfrag,
		icePwd:      s.ice.localPwd,
		fingerprint: s.dtls.Fingerprint(),
		audioSSRC:   s.audioSSRC,
		videoSSRC:   s.videoSSRC,
		audioPT:     s.audioPT,
		videoPT:     s.videoPT,
	})
	s.advance(StateOffer)
	s.offerTime = time.Now()

	s.signaler = newSignaler(s.logger, endpoint, s.conf.Authorization)
	answer, err := s.signaler.Exchange(ctx, s.offer)
	if err != nil {
		return err
	}
	s.answer = answer
	s.advance(StateAnswer)
	s.answerTime = time.Now()

	remote, err := parseAnswer(answer)
	if err != nil {
		return err
	}
	s.remote = remote
	s.ice.setRemoteCredentials(remote.ufrag, remote.pwd)
	s.advance(StateNegotiated)
	s.logger.Infow("negotiated with peer",
		"ufrag", remote.ufrag,
		"transport", remote.protocol,
		"host", remote.host,
		"port", remote.port)

	s.udp, err = dialUDP(remote.host, remote.port)
	if err != nil {
		return err
	}
	s.advance(StateUDPConnected)
	s.udpTime = time.Now()

	if err = s.handshake(ctx); err != nil {
		return err
	}

	material, err := s.dtls.SRTPKeyingMaterial()
	if err != nil {
		return err
	}
	s.srtp, err = deriveSRTPContexts(material)
	if err != nil {
		return err
	}
	s.advance(StateSRTPFinished)
	s.srtpTime = time.Now()

	maxPacketSize := s.conf.PktSize - config.SRTPOverhead
	if s.video != nil {
		s.videoPacketizer = newH264Packetizer(
			s.videoSSRC, s.videoPT, maxPacketSize, s.video.Extradata.NALLengthSize, s.sendPacket)
	}
	if s.audio != nil {
		s.audioPacketizer = newOpusPacketizer(s.audioSSRC, s.audioPT, maxPacketSize, s.sendPacket)
	}

	s.advance(StateReady)
	s.logger.Infow("session ready",
		"offerMs", s.offerTime.Sub(s.startTime).Milliseconds(),
		"answerMs", s.answerTime.Sub(s.offerTime).Milliseconds(),
		"udpMs", s.udpTime.Sub(s.answerTime).Milliseconds(),
		"iceMs", s.iceTime.Sub(s.udpTime).Milliseconds(),
		"dtlsMs", s.dtlsTime.Sub(s.iceTime).Milliseconds(),
		"srtpMs", s.srtpTime.Sub(s.dtlsTime).Milliseconds())

	if s.monitor != nil {
		s.monitor.HandshakeComplete(s.srtpTime.Sub(s.startTime))
	}

	return nil
}

// handshake drives the ICE binding exchange and feeds DTLS until the
// handshake finishes or the timeout elapses.
func (s *Session) handshake(ctx context.Context) error {
	start := time.Now()
	deadline := start.Add(time.Duration(s.conf.HandshakeTimeout) * time.Millisecond)

	for {
		if s.state <= StateICEConnecting {
			req, err := s.ice.buildBindingRequest()
			if err != nil {
				return err
			}
			if _, err = s.udp.write(req); err != nil {
				return err
			}
			s.advance(StateICEConnecting)
		}

		if s.dtlsHandshakeDone() {
			s.advance(StateDTLSFinished)
			s.dtlsTime = time.Now()
			s.logger.Infow("dtls handshake ok",
				"elapsedMs", time.Since(start).Milliseconds())
			return nil
		}
		if err := s.dtlsFailure(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			s.logger.Errorw("handshake timed out", nil,
				"timeoutMs", s.conf.HandshakeTimeout,
				"state", s.state.String())
			return errors.NewHandshakeTimeoutError(s.conf.HandshakeTimeout)
		}

		var n int
		var err error
		for i := 0; i < handshakeReadAttempts; i++ {
			n, err = s.udp.readOnce(s.readBuf)
			if n > 0 {
				break
			}
			if errors.Is(err, errReadAgain) {
				time.Sleep(handshakeReadInterval)
				continue
			}
			return err
		}
		if n <= 0 {
			continue
		}

		pkt := s.readBuf[:n]
		switch {
		case isBindingResponse(pkt):
			if s.state < StateICEConnected {
				s.advance(StateICEConnected)
				s.iceTime = time.Now()
				s.logger.Infow("ice binding ok",
					"host", s.remote.host,
					"port", s.remote.port,
					"username", s.remote.ufrag+":"+s.ice.localUfrag,
					"elapsedMs", time.Since(start).Milliseconds())

				if err = s.dtls.Start(s.udp.remoteAddr()); err != nil {
					return err
				}
			}

		case isBindingRequest(pkt):
			resp, err := s.ice.handleBindingRequest(pkt)
			if err != nil {
				return err
			}
			if resp != nil {
				if _, err = s.udp.write(resp); err != nil {
					return err
				}
			}

		case isDTLSRecord(pkt) && s.state >= StateICEConnected:
			if err = s.dtls.Feed(pkt); err != nil {
				return err
			}
		}
	}
}

// WriteVideo sends one H.264 access unit. pts is in 90kHz units. For
// keyframes the SPS and PPS are sent first as their own access unit, unless
// the frame already carries both.
func (s *Session) WriteVideo(au []byte, pts uint32, keyframe bool) error {
	if err := s.checkWritable(types.Video); err != nil {
		return err
	}
	if err := s.pollInbound(); err != nil {
		return s.fail(err)
	}

	if keyframe {
		spsSeen, ppsSeen, _ := accessUnitNALTypes(au, s.video.Extradata.NALLengthSize)
		if !spsSeen || !ppsSeen {
			if err := s.videoPacketizer.writeAccessUnit(s.video.Extradata.SequenceHeader(), pts); err != nil {
				return s.fail(err)
			}
		}
	}

	if err := s.videoPacketizer.writeAccessUnit(au, pts); err != nil {
		return s.fail(err)
	}
	return nil
}

// WriteAudio sends one Opus packet. With rebase_opus_timestamps enabled the
// input pts is ignored and the RTP timestamp advances by exactly 960 samples
// per packet.
func (s *Session) WriteAudio(pkt []byte, pts uint32) error {
	if err := s.checkWritable(types.Audio); err != nil {
		return err
	}
	if err := s.pollInbound(); err != nil {
		return s.fail(err)
	}

	ts := pts
	if s.conf.RebaseOpusTimestamps {
		ts = s.audioJitterBase
		s.audioJitterBase += opusFrameSamples
	}

	if err := s.audioPacketizer.writePacket(pkt, ts); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) checkWritable(kind types.StreamKind) error {
	if s.state == StateFailed {
		return errors.ErrSessionFailed
	}
	if s.state != StateReady {
		return errors.ErrSessionNotReady
	}
	if err := s.dtlsFailure(); err != nil {
		return s.fail(err)
	}
	if s.peerClosed() {
		return errors.ErrSessionClosed
	}
	if kind == types.Video && s.videoPacketizer == nil {
		return errors.New("no video stream configured")
	}
	if kind == types.Audio && s.audioPacketizer == nil {
		return errors.New("no audio stream configured")
	}
	return nil
}

// pollInbound performs the single short receive attempt that precedes every
// write: DTLS alerts, ICE keepalives and RTCP feedback all arrive on the
// same socket.
func (s *Session) pollInbound() error {
	n, err := s.udp.readOnce(s.readBuf)
	if err != nil {
		if errors.Is(err, errReadAgain) {
			return nil
		}
		return err
	}
	if n <= 0 {
		return nil
	}

	pkt := s.readBuf[:n]
	switch {
	case isDTLSRecord(pkt):
		return s.dtls.Feed(pkt)

	case isBindingRequest(pkt):
		resp, err := s.ice.handleBindingRequest(pkt)
		if err != nil {
			return err
		}
		if resp != nil {
			_, err = s.udp.write(resp)
		}
		return err

	case isBindingResponse(pkt):
		s.logger.Debugw("ice keepalive response")

	case isRTPOrRTCP(pkt) && isRTCP(pkt):
		s.handleRTCP(pkt)
	}

	return nil
}

// sendPacket runs on every outbound datagram a packetizer emits: fix up
// STAP-A aggregates, encrypt with the stream's SRTP context and write to the
// socket.
func (s *Session) sendPacket(buf []byte) error {
	if !isRTPOrRTCP(buf) {
		return nil
	}
	if s.srtp == nil {
		return nil
	}

	isRtcp := isRTCP(buf)
	pt := buf[1] & 0x7f
	isVideo := pt == s.videoPT
	if !isRtcp && pt != s.videoPT && pt != s.audioPT {
		return nil
	}

	if isVideo {
		fixupSTAPA(buf)
	}

	var cipher []byte
	var err error
	switch {
	case isRtcp:
		cipher, err = s.srtp.rtcpSend.EncryptRTCP(s.cipherBuf[:0], buf, nil)
	case isVideo:
		cipher, err = s.srtp.videoSend.EncryptRTP(s.cipherBuf[:0], buf, nil)
	default:
		cipher, err = s.srtp.audioSend.EncryptRTP(s.cipherBuf[:0], buf, nil)
	}
	// The suite appends at least a 10 byte auth tag, a shrinking packet
	// means the encryption went wrong.
	if err != nil || len(cipher) < len(buf) {
		s.logger.Warnw("failed to encrypt packet", err, "size", len(buf))
		if s.monitor != nil {
			s.monitor.EncryptError()
		}
		return nil
	}

	if _, err = s.udp.write(cipher); err != nil {
		return err
	}

	if s.monitor != nil {
		kind := types.Audio
		if isVideo {
			kind = types.Video
		}
		s.monitor.PacketSent(kind, len(cipher))
	}
	return nil
}

// writeDTLSRecord delivers one outbound DTLS record from the adapter.
func (s *Session) writeDTLSRecord(buf []byte) error {
	if s.udp == nil {
		return errors.New("udp not connected")
	}
	_, err := s.udp.write(buf)
	return err
}

func (s *Session) onDTLSState(state dtlsState, typ, desc string) {
	s.dtlsLock.Lock()
	defer s.dtlsLock.Unlock()

	switch state {
	case dtlsStateFinished:
		s.dtlsFinished = true
	case dtlsStateClosed:
		s.dtlsClosed = true
	case dtlsStateFailed:
		s.dtlsErr = errors.New("dtls failed: " + desc)
	}
}

func (s *Session) dtlsHandshakeDone() bool {
	s.dtlsLock.Lock()
	defer s.dtlsLock.Unlock()
	return s.dtlsFinished
}

func (s *Session) dtlsFailure() error {
	s.dtlsLock.Lock()
	defer s.dtlsLock.Unlock()
	return s.dtlsErr
}

func (s *Session) peerClosed() bool {
	s.dtlsLock.Lock()
	defer s.dtlsLock.Unlock()
	return s.dtlsClosed
}

// State returns the current session state. Failed sessions stay observable
// so the caller can read the terminal state, but reject writes.
func (s *Session) State() State {
	return s.state
}

func (s *Session) advance(to State) {
	if s.state == StateFailed || to <= s.state {
		return
	}
	s.logger.Debugw("state changed", "from", s.state.String(), "to", to.String())
	s.state = to
}

func (s *Session) fail(err error) error {
	if s.state != StateFailed {
		s.logger.Errorw("session failed", err, "state", s.state.String())
		s.state = StateFailed
	}
	return err
}

// Close disposes the WHIP resource and tears down the transports. Safe to
// call more than once.
func (s *Session) Close(ctx context.Context) {
	if s.closeFuse.IsBroken() {
		return
	}
	s.closeFuse.Break()

	if s.signaler != nil {
		if err := s.signaler.Delete(ctx); err != nil {
			s.logger.Warnw("failed to dispose whip resource", err)
		}
	}
	if s.dtls != nil {
		_ = s.dtls.Close()
	}
	if s.udp != nil {
		_ = s.udp.close()
	}
}
