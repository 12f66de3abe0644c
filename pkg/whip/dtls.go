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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	dtlselliptic "github.com/pion/dtls/v3/pkg/crypto/elliptic"
	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/deadline"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/whip-publisher/pkg/errors"
)

const (
	srtpMasterKeyLen  = 16
	srtpMasterSaltLen = 14
	// client_key | server_key | client_salt | server_salt
	srtpKeyingMaterialLen = 2*srtpMasterKeyLen + 2*srtpMasterSaltLen

	srtpExportLabel = "EXTRACTOR-dtls_srtp"

	certificateCN   = "ffmpeg.org"
	certificateDays = 365

	dtlsRetransmissionInterval = 100 * time.Millisecond
)

type dtlsState int

const (
	dtlsStateNew dtlsState = iota
	// The handshake completed and keying material is available.
	dtlsStateFinished
	// The peer sent a warning close-notify alert.
	dtlsStateClosed
	// A fatal alert or handshake error occurred.
	dtlsStateFailed
)

// dtlsTransport is the handshake surface the session drives. The concrete
// implementation wraps pion/dtls, tests substitute a fake exporting fixed
// keying material.
type dtlsTransport interface {
	// Fingerprint returns the SHA-256 fingerprint of the local certificate,
	// upper case hex bytes joined by ":".
	Fingerprint() string
	// Start launches the handshake in the passive role. Call it once, after
	// the first successful ICE binding response.
	Start(remote net.Addr) error
	// Feed hands one inbound DTLS record to the handshake.
	Feed(buf []byte) error
	// SRTPKeyingMaterial returns the 60 exported bytes once the handshake
	// has finished.
	SRTPKeyingMaterial() ([]byte, error)
	Close() error
}

// dtlsAdapter runs pion/dtls as the DTLS server over the session's UDP
// socket. Inbound records arrive via Feed, each outbound record is handed to
// onWrite as its own datagram so handshake flights are never concatenated
// past the MTU.
type dtlsAdapter struct {
	logger  logger.Logger
	mtu     int
	timeout time.Duration

	onWrite func(buf []byte) error
	onState func(state dtlsState, typ, desc string)

	certificate tls.Certificate
	fp          string

	bridge *packetBridge
	conn   *dtls.Conn

	materialLock sync.Mutex
	material     []byte

	closed atomic.Bool

	// ARQ observability: flights repeating the previous content and
	// handshake type are retransmissions.
	lastOutContent   byte
	lastOutHandshake byte
	retransmissions  atomic.Int64
}

func newDTLSAdapter(
	l logger.Logger,
	mtu int,
	timeout time.Duration,
	onWrite func(buf []byte) error,
	onState func(state dtlsState, typ, desc string),
) (*dtlsAdapter, error) {
	cert, fp, err := newSelfSignedCertificate()
	if err != nil {
		return nil, err
	}

	return &dtlsAdapter{
		logger:      l,
		mtu:         mtu,
		timeout:     timeout,
		onWrite:     onWrite,
		onState:     onState,
		certificate: cert,
		fp:          fp,
	}, nil
}

// newSelfSignedCertificate generates a fresh ECDSA P-256 key and a one year
// self-signed certificate, and renders its SHA-256 fingerprint for the SDP.
func newSelfSignedCertificate() (tls.Certificate, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, "", err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, "", err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: certificateCN},
		Issuer:       pkix.Name{CommonName: certificateCN},
		NotBefore:    now,
		NotAfter:     now.Add(certificateDays * 24 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, "", err
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, "", err
	}

	fp, err := fingerprint.Fingerprint(leaf, crypto.SHA256)
	if err != nil {
		return tls.Certificate{}, "", err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, strings.ToUpper(fp), nil
}

func (a *dtlsAdapter) Fingerprint() string {
	return a.fp
}

// Start accepts the peer's handshake. The offer advertises setup:passive, so
// this host is the DTLS server and the peer initiates.
func (a *dtlsAdapter) Start(remote net.Addr) error {
	a.bridge = newPacketBridge(remote, a.writeRecord)

	config := &dtls.Config{
		Certificates: []tls.Certificate{a.certificate},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		},
		EllipticCurves: []dtlselliptic.Curve{
			dtlselliptic.X25519,
			dtlselliptic.P256,
			dtlselliptic.P384,
			dtlselliptic.P521,
		},
		// Peer certificates are self-signed, accept them all.
		ClientAuth:         dtls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		MTU:                a.mtu,
		FlightInterval:     dtlsRetransmissionInterval,
		LoggerFactory:      &pionLoggerFactory{logger: a.logger},
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), a.timeout)
		},
	}

	go a.accept(config)
	return nil
}

func (a *dtlsAdapter) accept(config *dtls.Config) {
	conn, err := dtls.Server(a.bridge, a.bridge.remote, config)
	if err != nil {
		if a.closed.Load() {
			return
		}
		a.logger.Errorw("dtls handshake failed", err)
		a.onState(dtlsStateFailed, "fatal", err.Error())
		return
	}
	a.conn = conn

	state, ok := conn.ConnectionState()
	if !ok {
		a.onState(dtlsStateFailed, "fatal", "no connection state after handshake")
		return
	}

	material, err := state.ExportKeyingMaterial(srtpExportLabel, nil, srtpKeyingMaterialLen)
	if err != nil {
		a.logger.Errorw("failed to export SRTP keying material", err)
		a.onState(dtlsStateFailed, "fatal", err.Error())
		return
	}

	a.materialLock.Lock()
	a.material = material
	a.materialLock.Unlock()

	a.onState(dtlsStateFinished, "", "")

	a.watchAlerts(conn)
}

// watchAlerts keeps a read pending on the DTLS connection so peer alerts are
// processed. The publisher never expects application data.
func (a *dtlsAdapter) watchAlerts(conn *dtls.Conn) {
	buf := make([]byte, maxUDPBufferSize)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		if a.closed.Load() {
			return
		}

		a.logger.Infow("dtls session closed", "type", "warning", "desc", err.Error())
		a.onState(dtlsStateClosed, "warning", err.Error())
		return
	}
}

func (a *dtlsAdapter) Feed(buf []byte) error {
	if a.bridge == nil {
		return errors.New("dtls not started")
	}
	a.traceRecord("in", buf)
	return a.bridge.push(buf)
}

func (a *dtlsAdapter) SRTPKeyingMaterial() ([]byte, error) {
	a.materialLock.Lock()
	defer a.materialLock.Unlock()

	if a.material == nil {
		return nil, errors.New("dtls handshake not finished")
	}
	return a.material, nil
}

func (a *dtlsAdapter) Close() error {
	a.closed.Store(true)
	if a.conn != nil {
		_ = a.conn.Close()
	}
	if a.bridge != nil {
		_ = a.bridge.Close()
	}
	return nil
}

// writeRecord is the bridge's write side. Every record leaves as a separate
// datagram.
func (a *dtlsAdapter) writeRecord(buf []byte) (int, error) {
	a.traceRecord("out", buf)

	if len(buf) > 13 && buf[0] == 22 {
		if buf[0] == a.lastOutContent && buf[13] == a.lastOutHandshake {
			a.retransmissions.Inc()
		}
		a.lastOutContent = buf[0]
		a.lastOutHandshake = buf[13]
	}

	if err := a.onWrite(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (a *dtlsAdapter) traceRecord(dir string, buf []byte) {
	if len(buf) == 0 {
		return
	}
	handshakeType := byte(0)
	if len(buf) > 13 {
		handshakeType = buf[13]
	}
	a.logger.Debugw("dtls record",
		"dir", dir,
		"contentType", buf[0],
		"handshakeType", handshakeType,
		"size", len(buf),
		"retransmissions", a.retransmissions.Load())
}

// A DTLS record starts with a content type in [20, 63] and carries a 13 byte
// header.
func isDTLSRecord(b []byte) bool {
	return len(b) > 13 && b[0] >= 20 && b[0] <= 63
}

// packetBridge is the in-memory rendezvous between the session's UDP socket
// and pion/dtls. Feed queues inbound records, writes are delivered through
// the per-record callback.
type packetBridge struct {
	remote net.Addr
	write  func(buf []byte) (int, error)

	in     chan []byte
	done   chan struct{}
	closed atomic.Bool

	readDeadline *deadline.Deadline
}

func newPacketBridge(remote net.Addr, write func(buf []byte) (int, error)) *packetBridge {
	return &packetBridge{
		remote:       remote,
		write:        write,
		in:           make(chan []byte, 64),
		done:         make(chan struct{}),
		readDeadline: deadline.New(),
	}
}

func (b *packetBridge) push(buf []byte) error {
	if b.closed.Load() {
		return net.ErrClosed
	}

	select {
	case b.in <- append([]byte(nil), buf...):
		return nil
	default:
		return errors.New("dtls record queue full")
	}
}

func (b *packetBridge) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case buf := <-b.in:
		n := copy(p, buf)
		return n, b.remote, nil
	case <-b.done:
		return 0, nil, net.ErrClosed
	case <-b.readDeadline.Done():
		return 0, nil, context.DeadlineExceeded
	}
}

func (b *packetBridge) WriteTo(p []byte, _ net.Addr) (int, error) {
	if b.closed.Load() {
		return 0, net.ErrClosed
	}
	return b.write(p)
}

func (b *packetBridge) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.done)
	return nil
}

func (b *packetBridge) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero}
}

func (b *packetBridge) SetDeadline(t time.Time) error {
	return b.SetReadDeadline(t)
}

func (b *packetBridge) SetReadDeadline(t time.Time) error {
	b.readDeadline.Set(t)
	return nil
}

func (b *packetBridge) SetWriteDeadline(time.Time) error {
	return nil
}

// pionLoggerFactory routes the DTLS library's logs into the session logger.
type pionLoggerFactory struct {
	logger logger.Logger
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{logger: f.logger.WithValues("scope", scope)}
}

type pionLogger struct {
	logger logger.Logger
}

func (l *pionLogger) Trace(msg string)                  { l.logger.Debugw(msg) }
func (l *pionLogger) Tracef(format string, args ...any) { l.logger.Debugw(fmt.Sprintf(format, args...)) }
func (l *pionLogger) Debug(msg string)                  { l.logger.Debugw(msg) }
func (l *pionLogger) Debugf(format string, args ...any) { l.logger.Debugw(fmt.Sprintf(format, args...)) }
func (l *pionLogger) Info(msg string)                   { l.logger.Debugw(msg) }
func (l *pionLogger) Infof(format string, args ...any)  { l.logger.Debugw(fmt.Sprintf(format, args...)) }
func (l *pionLogger) Warn(msg string)                   { l.logger.Warnw(msg, nil) }
func (l *pionLogger) Warnf(format string, args ...any)  { l.logger.Warnw(fmt.Sprintf(format, args...), nil) }
func (l *pionLogger) Error(msg string)                  { l.logger.Errorw(msg, nil) }
func (l *pionLogger) Errorf(format string, args ...any) { l.logger.Errorw(fmt.Sprintf(format, args...), nil) }
