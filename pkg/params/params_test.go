package params

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/whip-publisher/pkg/errors"
)

func TestValidateVideoParams(t *testing.T) {
	v := &VideoParams{
		MimeType:   MimeTypeH264,
		ExtraData:  avccExtradata(3, testSPS, testPPS),
		ProfileIdc: 0x42,
		ProfileIop: 0xe0,
		LevelIdc:   0x1e,
	}
	require.NoError(t, v.Validate())
	require.NotNil(t, v.Extradata)
	require.Equal(t, 4, v.Extradata.NALLengthSize)
}

func TestValidateVideoParamsRejectsCodec(t *testing.T) {
	v := &VideoParams{MimeType: "video/vp8"}
	require.ErrorIs(t, v.Validate(), errors.ErrUnsupportedVideoCodec)
}

func TestValidateVideoParamsRejectsBFrames(t *testing.T) {
	v := &VideoParams{
		MimeType:   MimeTypeH264,
		ExtraData:  avccExtradata(3, testSPS, testPPS),
		HasBFrames: true,
	}
	require.ErrorIs(t, v.Validate(), errors.ErrBFramesNotSupported)
}

func TestValidateVideoParamsRejectsBadExtradata(t *testing.T) {
	v := &VideoParams{
		MimeType:  MimeTypeH264,
		ExtraData: avccExtradata(2, testSPS, testPPS),
	}
	require.ErrorIs(t, v.Validate(), errors.ErrInvalidExtradata)
}

func TestValidateVideoParamsDefaultsProfileLevel(t *testing.T) {
	// SPS too short to introspect, profile and level fall back to
	// baseline 3.0.
	v := &VideoParams{
		MimeType:  MimeTypeH264,
		ExtraData: avccExtradata(3, []byte{0x67, 0x42}, testPPS),
	}
	require.NoError(t, v.Validate())
	require.Equal(t, byte(DefaultH264Profile), v.ProfileIdc)
	require.Equal(t, byte(DefaultH264Level), v.LevelIdc)
}

func TestValidateAudioParams(t *testing.T) {
	a := &AudioParams{MimeType: MimeTypeOpus, SampleRate: 48000, Channels: 2}
	require.NoError(t, a.Validate())

	a = &AudioParams{MimeType: "audio/aac", SampleRate: 48000, Channels: 2}
	require.ErrorIs(t, a.Validate(), errors.ErrUnsupportedAudioCodec)

	a = &AudioParams{MimeType: MimeTypeOpus, SampleRate: 44100, Channels: 2}
	require.Error(t, a.Validate())

	a = &AudioParams{MimeType: MimeTypeOpus, SampleRate: 48000, Channels: 1}
	require.Error(t, a.Validate())
}
