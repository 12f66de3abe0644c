package whip

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0x8c, 0x8d, 0x40}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

func collectPackets(t *testing.T) (packetSink, *[]*rtp.Packet) {
	t.Helper()

	pkts := &[]*rtp.Packet{}
	return func(buf []byte) error {
		pkt := &rtp.Packet{}
		require.NoError(t, pkt.Unmarshal(append([]byte(nil), buf...)))
		*pkts = append(*pkts, pkt)
		return nil
	}, pkts
}

func TestH264PacketizerSingleNAL(t *testing.T) {
	sink, pkts := collectPackets(t)
	p := newH264Packetizer(2222, 106, 1184, 0, sink)

	au := append([]byte{0x00, 0x00, 0x00, 0x01}, 0x65, 0x88, 0x84, 0x00)
	require.NoError(t, p.writeAccessUnit(au, 90000))

	require.Len(t, *pkts, 1)
	pkt := (*pkts)[0]
	require.Equal(t, uint8(2), pkt.Version)
	require.Equal(t, uint8(106), pkt.PayloadType)
	require.Equal(t, uint32(2222), pkt.SSRC)
	require.Equal(t, uint32(90000), pkt.Timestamp)
	require.True(t, pkt.Marker)
	require.Equal(t, []byte{0x65, 0x88, 0x84, 0x00}, pkt.Payload)
}

func TestH264PacketizerFragmentsLargeNAL(t *testing.T) {
	sink, pkts := collectPackets(t)
	p := newH264Packetizer(2222, 106, 512, 0, sink)

	nalu := make([]byte, 2000)
	nalu[0] = 0x65
	for i := 1; i < len(nalu); i++ {
		nalu[i] = byte(i)
	}
	au := append([]byte{0x00, 0x00, 0x00, 0x01}, nalu...)
	require.NoError(t, p.writeAccessUnit(au, 1234))

	require.Greater(t, len(*pkts), 1)
	for i, pkt := range *pkts {
		require.LessOrEqual(t, len(pkt.Payload)+rtpHeaderSize, 512)
		require.Equal(t, uint32(1234), pkt.Timestamp)
		// FU-A indicator
		require.Equal(t, uint8(28), pkt.Payload[0]&0x1f)
		require.Equal(t, i == len(*pkts)-1, pkt.Marker)
	}

	// Sequence numbers are strictly monotonic.
	for i := 1; i < len(*pkts); i++ {
		require.Equal(t, (*pkts)[i-1].SequenceNumber+1, (*pkts)[i].SequenceNumber)
	}
}

func TestH264PacketizerAggregatesParameterSets(t *testing.T) {
	sink, pkts := collectPackets(t)
	p := newH264Packetizer(2222, 106, 1184, 0, sink)

	seqHeader := append([]byte{0x00, 0x00, 0x00, 0x01}, testSPS...)
	seqHeader = append(seqHeader, 0x00, 0x00, 0x00, 0x01)
	seqHeader = append(seqHeader, testPPS...)
	require.NoError(t, p.writeAccessUnit(seqHeader, 3000))

	idr := append([]byte{0x00, 0x00, 0x00, 0x01}, 0x65, 0x88, 0x84, 0x00)
	require.NoError(t, p.writeAccessUnit(idr, 3000))

	require.GreaterOrEqual(t, len(*pkts), 2)

	// The parameter sets travel in a STAP-A directly ahead of the IDR.
	stap := (*pkts)[0]
	require.Equal(t, uint8(naluTypeSTAPA), stap.Payload[0]&0x1f)
	require.True(t, bytes.Contains(stap.Payload, testSPS))
	require.True(t, bytes.Contains(stap.Payload, testPPS))

	last := (*pkts)[len(*pkts)-1]
	require.Equal(t, uint8(naluTypeIDR), last.Payload[0]&0x1f)
	require.True(t, last.Marker)
}

func TestH264PacketizerAVCCInput(t *testing.T) {
	sink, pkts := collectPackets(t)
	p := newH264Packetizer(2222, 106, 1184, 4, sink)

	nalu := []byte{0x65, 0x88, 0x84, 0x00}
	au := append([]byte{0x00, 0x00, 0x00, byte(len(nalu))}, nalu...)
	require.NoError(t, p.writeAccessUnit(au, 500))

	require.Len(t, *pkts, 1)
	require.Equal(t, nalu, (*pkts)[0].Payload)
}

func TestAVCCToAnnexBRejectsTruncated(t *testing.T) {
	_, err := avccToAnnexB([]byte{0x00, 0x00, 0x00, 0x08, 0x65}, 4)
	require.Error(t, err)
}

func TestOpusPacketizer(t *testing.T) {
	sink, pkts := collectPackets(t)
	p := newOpusPacketizer(1111, 111, 1184, sink)

	require.NoError(t, p.writePacket([]byte{0xfc, 0x01, 0x02}, 0))
	require.NoError(t, p.writePacket([]byte{0xfc, 0x03, 0x04}, 960))

	require.Len(t, *pkts, 2)
	require.Equal(t, uint8(111), (*pkts)[0].PayloadType)
	require.Equal(t, uint32(1111), (*pkts)[0].SSRC)
	require.Equal(t, uint32(0), (*pkts)[0].Timestamp)
	require.Equal(t, uint32(960), (*pkts)[1].Timestamp)
	require.Equal(t, (*pkts)[0].SequenceNumber+1, (*pkts)[1].SequenceNumber)
}

func TestAccessUnitNALTypes(t *testing.T) {
	au := append([]byte{0x00, 0x00, 0x00, 0x01}, testSPS...)
	au = append(au, 0x00, 0x00, 0x00, 0x01)
	au = append(au, testPPS...)
	au = append(au, 0x00, 0x00, 0x00, 0x01, 0x65, 0x88)

	sps, pps, idr := accessUnitNALTypes(au, 0)
	require.True(t, sps)
	require.True(t, pps)
	require.True(t, idr)

	avcc := []byte{0x00, 0x00, 0x00, 0x02, 0x65, 0x88}
	sps, pps, idr = accessUnitNALTypes(avcc, 4)
	require.False(t, sps)
	require.False(t, pps)
	require.True(t, idr)
}

func TestFixupSTAPA(t *testing.T) {
	// RTP header with the marker bit set, STAP-A with zero NRI, first inner
	// NAL with NRI 0x60.
	buf := make([]byte, 20)
	buf[0] = 0x80
	buf[1] = 0x80 | 106
	buf[12] = 0x18 // STAP-A, NRI 0
	buf[15] = 0x67 // inner NAL header, NRI 0x60

	fixupSTAPA(buf)

	require.Equal(t, uint8(106), buf[1])
	require.Equal(t, uint8(0x60), buf[12]&0x60)
	require.Equal(t, uint8(0x18|0x60), buf[12])
}

func TestFixupSTAPAIgnoresOtherTypes(t *testing.T) {
	buf := make([]byte, 20)
	buf[0] = 0x80
	buf[1] = 0x80 | 106
	buf[12] = 0x65

	fixupSTAPA(buf)
	require.Equal(t, uint8(0x80|106), buf[1])
}
