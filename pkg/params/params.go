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

package params

import (
	"github.com/Eyevinn/mp4ff/avc"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/whip-publisher/pkg/errors"
)

const (
	MimeTypeH264 = "video/h264"
	MimeTypeOpus = "audio/opus"

	// Defaults for streams whose SPS could not be introspected, baseline
	// level 3.0 (the constraint flag byte stays zero).
	DefaultH264Profile = 0x42
	DefaultH264Level   = 30
)

// VideoParams describes the H.264 stream handed to the publisher. The
// encoder producing the stream owns these for at least the session lifetime.
type VideoParams struct {
	MimeType   string
	ExtraData  []byte
	HasBFrames bool

	// profile-level-id bytes for the SDP fmtp line. Zero profile or level
	// means unknown, recovered from the SPS or defaulted.
	ProfileIdc byte
	ProfileIop byte
	LevelIdc   byte

	Extradata *H264Extradata
}

// AudioParams describes the Opus stream handed to the publisher.
type AudioParams struct {
	MimeType   string
	SampleRate int
	Channels   int
}

// Validate checks that the stream is H.264 without B frames and parses the
// extradata. The H.264 profile itself is not checked.
func (v *VideoParams) Validate() error {
	if v.MimeType != MimeTypeH264 {
		return errors.ErrUnsupportedVideoCodec
	}
	if v.HasBFrames {
		return errors.ErrBFramesNotSupported
	}

	ext, err := ParseH264Extradata(v.ExtraData)
	if err != nil {
		return err
	}
	v.Extradata = ext

	if v.ProfileIdc == 0 || v.LevelIdc == 0 {
		v.parseProfileLevel()
	}
	if v.ProfileIdc == 0 {
		logger.Warnw("no profile found in extradata, using baseline", nil)
		v.ProfileIdc = DefaultH264Profile
	}
	if v.LevelIdc == 0 {
		logger.Warnw("no level found in extradata, using 3.0", nil)
		v.LevelIdc = DefaultH264Level
	}

	return nil
}

// parseProfileLevel recovers the profile and level bytes from the SPS. When
// streams come from an encoder rather than a demuxer, the caller usually has
// the SPS but not the parsed profile and level.
func (v *VideoParams) parseProfileLevel() {
	sps := v.Extradata.SPS
	if sps == nil {
		for _, nalu := range AnnexBNALUnits(v.ExtraData) {
			if len(nalu) > 0 && avc.GetNaluType(nalu[0]) == avc.NALU_SPS {
				sps = nalu
				break
			}
		}
	}
	if sps == nil {
		return
	}

	parsed, err := avc.ParseSPSNALUnit(sps, false)
	if err != nil {
		logger.Warnw("failed to parse SPS", err)
		return
	}

	v.ProfileIdc = byte(parsed.Profile)
	v.ProfileIop = byte(parsed.ProfileCompatibility)
	v.LevelIdc = byte(parsed.Level)
	logger.Debugw("parsed profile and level from SPS",
		"profile", v.ProfileIdc, "level", v.LevelIdc)
}

// Validate checks the audio constraints, only stereo Opus at 48kHz is
// publishable.
func (a *AudioParams) Validate() error {
	if a.MimeType != MimeTypeOpus {
		return errors.ErrUnsupportedAudioCodec
	}
	if a.Channels != 2 {
		return errors.ErrUnsupportedChannelCount(a.Channels)
	}
	if a.SampleRate != 48000 {
		return errors.ErrUnsupportedSampleRate(a.SampleRate)
	}

	return nil
}
