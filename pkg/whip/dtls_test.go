package whip

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSelfSignedCertificate(t *testing.T) {
	cert, fp, err := newSelfSignedCertificate()
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	require.Equal(t, certificateCN, cert.Leaf.Subject.CommonName)

	// 32 upper case hex bytes joined by ":"
	parts := strings.Split(fp, ":")
	require.Len(t, parts, 32)
	for _, p := range parts {
		require.Len(t, p, 2)
		require.Equal(t, strings.ToUpper(p), p)
	}

	validity := cert.Leaf.NotAfter.Sub(cert.Leaf.NotBefore)
	require.Equal(t, certificateDays*24*time.Hour, validity)
}

func TestCertificatesAreUnique(t *testing.T) {
	_, fp1, err := newSelfSignedCertificate()
	require.NoError(t, err)
	_, fp2, err := newSelfSignedCertificate()
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp2)
}

func TestIsDTLSRecord(t *testing.T) {
	record := make([]byte, 14)
	record[0] = 22
	require.True(t, isDTLSRecord(record))

	record[0] = 63
	require.True(t, isDTLSRecord(record))

	record[0] = 64
	require.False(t, isDTLSRecord(record))

	record[0] = 19
	require.False(t, isDTLSRecord(record))

	// Too short to carry a record header.
	require.False(t, isDTLSRecord(make([]byte, 13)))
}

func TestPacketBridge(t *testing.T) {
	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}

	var written [][]byte
	b := newPacketBridge(remote, func(buf []byte) (int, error) {
		written = append(written, append([]byte(nil), buf...))
		return len(buf), nil
	})

	require.NoError(t, b.push([]byte{22, 0xfe, 0xfd}))

	buf := make([]byte, 16)
	n, addr, err := b.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, remote, addr)
	require.Equal(t, []byte{22, 0xfe, 0xfd}, buf[:3])

	// Deadline in the past makes reads fail instead of blocking.
	require.NoError(t, b.SetReadDeadline(time.Now().Add(-time.Second)))
	_, _, err = b.ReadFrom(buf)
	require.Error(t, err)

	n, err = b.WriteTo([]byte{23, 0x01}, remote)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, written, 1)

	require.NoError(t, b.Close())
	require.Error(t, b.push([]byte{22}))
	_, err = b.WriteTo([]byte{23}, remote)
	require.Error(t, err)
}
