package whip

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/whip-publisher/pkg/config"
	"github.com/livekit/whip-publisher/pkg/errors"
	"github.com/livekit/whip-publisher/pkg/params"
)

func testVideoParams() *params.VideoParams {
	extradata := []byte{1, 0x42, 0xc0, 0x1e, 0xff, 0xe1}
	extradata = append(extradata, 0x00, byte(len(testSPS)))
	extradata = append(extradata, testSPS...)
	extradata = append(extradata, 0x01, 0x00, byte(len(testPPS)))
	extradata = append(extradata, testPPS...)

	return &params.VideoParams{
		MimeType:   params.MimeTypeH264,
		ExtraData:  extradata,
		ProfileIdc: 0x42,
		ProfileIop: 0xe0,
		LevelIdc:   0x1e,
	}
}

func testAudioParams() *params.AudioParams {
	return &params.AudioParams{
		MimeType:   params.MimeTypeOpus,
		SampleRate: 48000,
		Channels:   2,
	}
}

func testConfig(t *testing.T, body string) *config.Config {
	t.Helper()

	conf, err := config.NewConfig("log_level: error\n" + body)
	require.NoError(t, err)
	return conf
}

// testPeer is the remote side of the session: an ICE-Lite server answering
// binding requests and collecting everything else it receives.
type testPeer struct {
	t       *testing.T
	conn    *net.UDPConn
	packets chan []byte

	// onRequest overrides the default binding request handling.
	onRequest func(remote *net.UDPAddr, pkt []byte)
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	p := &testPeer{
		t:       t,
		conn:    conn,
		packets: make(chan []byte, 64),
	}
	go p.run()
	return p
}

func (p *testPeer) run() {
	buf := make([]byte, maxUDPBufferSize)
	for {
		n, remote, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := append([]byte(nil), buf[:n]...)

		if isBindingRequest(pkt) {
			if p.onRequest != nil {
				p.onRequest(remote, pkt)
			} else {
				p.respondToBindingRequest(remote, pkt)
			}
			continue
		}

		p.packets <- pkt
	}
}

func (p *testPeer) respondToBindingRequest(remote *net.UDPAddr, pkt []byte) {
	req := &stun.Message{Raw: pkt}
	if err := req.Decode(); err != nil {
		return
	}

	resp := new(stun.Message)
	if err := resp.Build(stun.NewTransactionIDSetter(req.TransactionID), stun.BindingSuccess); err != nil {
		return
	}
	_, _ = p.conn.WriteToUDP(resp.Raw, remote)
}

func (p *testPeer) port() int {
	return p.conn.LocalAddr().(*net.UDPAddr).Port
}

func (p *testPeer) waitPacket() []byte {
	p.t.Helper()

	select {
	case pkt := <-p.packets:
		return pkt
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for packet")
		return nil
	}
}

func (p *testPeer) close() {
	_ = p.conn.Close()
}

func testWHIPServer(t *testing.T, peerPort int) *httptest.Server {
	t.Helper()

	answer := strings.Replace(answerTemplate, "%s",
		fmt.Sprintf("a=candidate:1 1 udp 2130706431 127.0.0.1 %d typ host\r\n", peerPort), 1)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Location", "/resource/xyz")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(answer))
		case http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		}
	}))
}

// fakeDTLS stands in for the handshake and exports fixed keying material.
type fakeDTLS struct {
	s        *Session
	material []byte
}

func (f *fakeDTLS) Fingerprint() string { return "AA:BB:CC" }

func (f *fakeDTLS) Start(net.Addr) error {
	f.s.onDTLSState(dtlsStateFinished, "", "")
	return nil
}

func (f *fakeDTLS) Feed([]byte) error { return nil }

func (f *fakeDTLS) SRTPKeyingMaterial() ([]byte, error) { return f.material, nil }

func (f *fakeDTLS) Close() error { return nil }

func connectTestSession(t *testing.T, peer *testPeer) (*Session, func()) {
	t.Helper()

	server := testWHIPServer(t, peer.port())

	conf := testConfig(t, "handshake_timeout: 2000")
	s, err := NewSession(conf, &Options{
		Video: testVideoParams(),
		Audio: testAudioParams(),
		rnd:   rand.New(rand.NewSource(7)),
	})
	require.NoError(t, err)
	s.dtls = &fakeDTLS{s: s, material: testKeyingMaterial()}

	require.NoError(t, s.Connect(context.Background(), server.URL))
	require.Equal(t, StateReady, s.State())

	return s, func() {
		s.Close(context.Background())
		server.Close()
	}
}

func TestSessionHappyPath(t *testing.T) {
	peer := newTestPeer(t)
	defer peer.close()

	s, cleanup := connectTestSession(t, peer)
	defer cleanup()

	// The keys were split server-send / client-recv.
	material := testKeyingMaterial()
	expectedSend := append(append([]byte(nil), material[16:32]...), material[46:60]...)
	expectedRecv := append(append([]byte(nil), material[:16]...), material[32:46]...)
	require.Equal(t, expectedSend, s.srtp.sendKey)
	require.Equal(t, expectedRecv, s.srtp.recvKey)

	// One IDR access unit in AVCC form, one Opus packet.
	idr := []byte{0x65, 0x88, 0x84, 0x21}
	au := append([]byte{0x00, 0x00, 0x00, byte(len(idr))}, idr...)
	require.NoError(t, s.WriteVideo(au, 9000, true))
	require.NoError(t, s.WriteAudio([]byte{0xfc, 0x01, 0x02}, 0))

	// Decrypt with the sender's key to inspect the payloads.
	recvCtx, err := srtp.CreateContext(material[16:32], material[46:60], srtp.ProtectionProfileAes128CmHmacSha1_80)
	require.NoError(t, err)

	stapPkt := decryptRTP(t, recvCtx, peer.waitPacket())
	require.Equal(t, s.videoPT, stapPkt.PayloadType)
	require.Equal(t, s.videoSSRC, stapPkt.SSRC)
	require.Equal(t, uint8(naluTypeSTAPA), stapPkt.Payload[0]&0x1f)
	require.False(t, stapPkt.Marker)
	require.Contains(t, string(stapPkt.Payload), string(testSPS))
	require.Contains(t, string(stapPkt.Payload), string(testPPS))

	idrPkt := decryptRTP(t, recvCtx, peer.waitPacket())
	require.Equal(t, s.videoPT, idrPkt.PayloadType)
	require.Equal(t, idr, idrPkt.Payload)
	require.True(t, idrPkt.Marker)

	audioPkt := decryptRTP(t, recvCtx, peer.waitPacket())
	require.Equal(t, s.audioPT, audioPkt.PayloadType)
	require.Equal(t, s.audioSSRC, audioPkt.SSRC)
	require.Equal(t, uint32(0), audioPkt.Timestamp)

	// The Opus timestamp advances by 960 per packet regardless of pts.
	require.NoError(t, s.WriteAudio([]byte{0xfc, 0x03}, 424242))
	audioPkt = decryptRTP(t, recvCtx, peer.waitPacket())
	require.Equal(t, uint32(960), audioPkt.Timestamp)
}

func TestSessionICERoleReversal(t *testing.T) {
	peer := newTestPeer(t)
	defer peer.close()

	server := testWHIPServer(t, peer.port())
	defer server.Close()

	conf := testConfig(t, "handshake_timeout: 2000")
	s, err := NewSession(conf, &Options{
		Audio: testAudioParams(),
		rnd:   rand.New(rand.NewSource(7)),
	})
	require.NoError(t, err)
	s.dtls = &fakeDTLS{s: s, material: testKeyingMaterial()}

	responseOK := make(chan error, 1)
	var peerTID [stun.TransactionIDSize]byte
	copy(peerTID[:], "peer-tid-012")

	peer.onRequest = func(remote *net.UDPAddr, pkt []byte) {
		// Challenge the publisher with our own binding request before
		// acknowledging its check.
		peerReq := new(stun.Message)
		if err := peerReq.Build(
			stun.NewTransactionIDSetter(peerTID),
			stun.BindingRequest,
			stun.NewShortTermIntegrity(s.ice.localPwd),
			stun.Fingerprint,
		); err != nil {
			responseOK <- err
			return
		}
		_, _ = peer.conn.WriteToUDP(peerReq.Raw, remote)

		// The publisher must answer with our transaction id, signed with
		// its own pwd. Retransmitted binding requests may interleave.
		buf := make([]byte, maxUDPBufferSize)
		var raw []byte
		_ = peer.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for raw == nil {
			n, _, err := peer.conn.ReadFromUDP(buf)
			if err != nil {
				responseOK <- err
				return
			}
			if isBindingResponse(buf[:n]) {
				raw = append([]byte(nil), buf[:n]...)
			}
		}
		_ = peer.conn.SetReadDeadline(time.Time{})

		resp := &stun.Message{Raw: raw}
		if err := resp.Decode(); err != nil {
			responseOK <- err
			return
		}
		if resp.TransactionID != peerTID {
			responseOK <- errors.New("transaction id mismatch")
			return
		}
		if err := stun.NewShortTermIntegrity(s.ice.localPwd).Check(resp); err != nil {
			responseOK <- err
			return
		}
		responseOK <- nil

		peer.respondToBindingRequest(remote, pkt)
		peer.onRequest = nil
	}

	require.NoError(t, s.Connect(context.Background(), server.URL))
	defer s.Close(context.Background())

	require.NoError(t, <-responseOK)
	require.Equal(t, StateReady, s.State())
}

func TestSessionHandshakeTimeout(t *testing.T) {
	// A peer that never answers.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	server := testWHIPServer(t, conn.LocalAddr().(*net.UDPAddr).Port)
	defer server.Close()

	conf := testConfig(t, "handshake_timeout: 200")
	s, err := NewSession(conf, &Options{Audio: testAudioParams()})
	require.NoError(t, err)
	defer s.Close(context.Background())

	err = s.Connect(context.Background(), server.URL)
	require.Error(t, err)

	var timeoutErr *errors.HandshakeTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, 200, timeoutErr.Timeout)
	require.Equal(t, StateFailed, s.State())

	// Failed sessions stay observable but reject writes.
	require.ErrorIs(t, s.WriteAudio([]byte{0xfc}, 0), errors.ErrSessionFailed)
}

func TestSessionCloseNotify(t *testing.T) {
	peer := newTestPeer(t)
	defer peer.close()

	s, cleanup := connectTestSession(t, peer)
	defer cleanup()

	require.NoError(t, s.WriteAudio([]byte{0xfc, 0x01}, 0))

	// Peer sends a warning close-notify: the next write surfaces it.
	s.onDTLSState(dtlsStateClosed, "warning", "close_notify")
	require.ErrorIs(t, s.WriteAudio([]byte{0xfc, 0x02}, 0), errors.ErrSessionClosed)
}

func TestSessionStateMonotonic(t *testing.T) {
	conf := testConfig(t, "")
	s, err := NewSession(conf, &Options{Audio: testAudioParams()})
	require.NoError(t, err)

	s.advance(StateNegotiated)
	require.Equal(t, StateNegotiated, s.State())

	// Going backwards is a no-op.
	s.advance(StateOffer)
	require.Equal(t, StateNegotiated, s.State())

	_ = s.fail(errors.New("boom"))
	require.Equal(t, StateFailed, s.State())
	s.advance(StateReady)
	require.Equal(t, StateFailed, s.State())
}

func TestNewSessionRejectsInvalidParams(t *testing.T) {
	conf := testConfig(t, "")

	_, err := NewSession(nil, &Options{Audio: testAudioParams()})
	require.ErrorIs(t, err, errors.ErrNoConfig)

	_, err = NewSession(conf, &Options{})
	require.Error(t, err)

	_, err = NewSession(conf, &Options{
		Audio: &params.AudioParams{MimeType: params.MimeTypeOpus, SampleRate: 44100, Channels: 2},
	})
	require.Error(t, err)

	badVideo := testVideoParams()
	badVideo.ExtraData[4] = 0xfe // NAL length size 3
	_, err = NewSession(conf, &Options{Video: badVideo})
	require.ErrorIs(t, err, errors.ErrInvalidExtradata)
}

func decryptRTP(t *testing.T, ctx *srtp.Context, pkt []byte) *rtp.Packet {
	t.Helper()

	decrypted, err := ctx.DecryptRTP(nil, pkt, nil)
	require.NoError(t, err)

	p := &rtp.Packet{}
	require.NoError(t, p.Unmarshal(decrypted))
	return p
}
