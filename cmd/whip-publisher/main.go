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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/whip-publisher/pkg/config"
	"github.com/livekit/whip-publisher/pkg/params"
	"github.com/livekit/whip-publisher/pkg/stats"
	"github.com/livekit/whip-publisher/pkg/whip"
)

func main() {
	app := &cli.App{
		Name:        "whip-publisher",
		Usage:       "LiveKit WHIP publisher",
		Description: "publish pre-encoded H.264 and Opus media to a WHIP endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "WHIP publisher yaml config file",
				EnvVars: []string{"WHIP_CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "WHIP publisher yaml config body",
				EnvVars: []string{"WHIP_CONFIG_BODY"},
			},
			&cli.StringFlag{
				Name:  "video",
				Usage: "annexb H.264 elementary stream to publish",
			},
			&cli.StringFlag{
				Name:  "audio",
				Usage: "Ogg file with an Opus stream to publish",
			},
			&cli.Float64Flag{
				Name:  "fps",
				Usage: "video frame rate",
				Value: 30,
			},
		},
		Action: publish,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func publish(c *cli.Context) error {
	endpoint := c.Args().First()
	if endpoint == "" {
		return fmt.Errorf("usage: %s [flags] <whip endpoint url>", c.App.Name)
	}

	confString, err := getConfigString(c)
	if err != nil {
		return err
	}
	conf, err := config.NewConfig(confString)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := &whip.Options{
		Monitor: stats.NewMonitor(),
	}
	opts.Monitor.Start(conf)

	var video *videoSource
	if path := c.String("video"); path != "" {
		video, err = openVideoSource(path)
		if err != nil {
			return err
		}
		defer video.close()
		opts.Video = video.params
	}

	var audio *audioSource
	if path := c.String("audio"); path != "" {
		audio, err = openAudioSource(path)
		if err != nil {
			return err
		}
		defer audio.close()
		opts.Audio = audio.params
	}

	session, err := whip.NewSession(conf, opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		session.Close(closeCtx)
	}()

	if err = session.Connect(ctx, endpoint); err != nil {
		return err
	}

	return run(ctx, session, video, audio, c.Float64("fps"))
}

// run paces both streams in real time from a single loop, the session is
// single owner.
func run(ctx context.Context, session *whip.Session, video *videoSource, audio *audioSource, fps float64) error {
	var videoTick, audioTick <-chan time.Time

	if video != nil {
		t := time.NewTicker(time.Duration(float64(time.Second) / fps))
		defer t.Stop()
		videoTick = t.C
	}
	if audio != nil {
		t := time.NewTicker(20 * time.Millisecond)
		defer t.Stop()
		audioTick = t.C
	}

	videoPTSStep := uint32(90000 / fps)
	var videoPTS uint32

	for video != nil || audio != nil {
		select {
		case <-ctx.Done():
			return nil

		case <-videoTick:
			au, keyframe, err := video.nextAccessUnit()
			if err == io.EOF {
				logger.Infow("video stream ended")
				video = nil
				videoTick = nil
				continue
			} else if err != nil {
				return err
			}

			if err = session.WriteVideo(au, videoPTS, keyframe); err != nil {
				return err
			}
			videoPTS += videoPTSStep

		case <-audioTick:
			pkt, err := audio.nextPacket()
			if err == io.EOF {
				logger.Infow("audio stream ended")
				audio = nil
				audioTick = nil
				continue
			} else if err != nil {
				return err
			}

			if err = session.WriteAudio(pkt, 0); err != nil {
				return err
			}
		}
	}

	return nil
}

func getConfigString(c *cli.Context) (string, error) {
	configBody := c.String("config-body")
	if configBody != "" {
		return configBody, nil
	}

	configFile := c.String("config")
	if configFile == "" {
		return "", nil
	}

	content, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

type videoSource struct {
	file   *os.File
	reader *h264reader.H264Reader
	params *params.VideoParams
}

// openVideoSource scans the stream head for SPS and PPS to build the
// extradata, then rewinds for playback.
func openVideoSource(path string) (*videoSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	reader, err := h264reader.NewReader(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	var sps, pps []byte
	for sps == nil || pps == nil {
		nal, err := reader.NextNAL()
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("no SPS/PPS found in %s: %w", path, err)
		}
		switch nal.UnitType {
		case h264reader.NalUnitTypeSPS:
			sps = nal.Data
		case h264reader.NalUnitTypePPS:
			pps = nal.Data
		}
	}

	extradata := append([]byte(nil), annexBStartCode...)
	extradata = append(extradata, sps...)
	extradata = append(extradata, annexBStartCode...)
	extradata = append(extradata, pps...)

	if _, err = file.Seek(0, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, err
	}
	reader, err = h264reader.NewReader(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &videoSource{
		file:   file,
		reader: reader,
		params: &params.VideoParams{
			MimeType:  params.MimeTypeH264,
			ExtraData: extradata,
		},
	}, nil
}

// nextAccessUnit groups NAL units up to and including the next coded slice.
func (v *videoSource) nextAccessUnit() ([]byte, bool, error) {
	var au []byte
	var keyframe bool

	for {
		nal, err := v.reader.NextNAL()
		if err == io.EOF && au != nil {
			return au, keyframe, nil
		} else if err != nil {
			return nil, false, err
		}

		au = append(au, annexBStartCode...)
		au = append(au, nal.Data...)

		switch nal.UnitType {
		case h264reader.NalUnitTypeCodedSliceIdr:
			return au, true, nil
		case h264reader.NalUnitTypeCodedSliceNonIdr:
			return au, keyframe, nil
		}
	}
}

func (v *videoSource) close() {
	_ = v.file.Close()
}

type audioSource struct {
	file   *os.File
	reader *oggreader.OggReader
	params *params.AudioParams
}

func openAudioSource(path string) (*audioSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &audioSource{
		file:   file,
		reader: reader,
		params: &params.AudioParams{
			MimeType:   params.MimeTypeOpus,
			SampleRate: 48000,
			Channels:   2,
		},
	}, nil
}

func (a *audioSource) nextPacket() ([]byte, error) {
	for {
		page, _, err := a.reader.ParseNextPage()
		if err != nil {
			return nil, err
		}
		// Skip the id and comment headers.
		if len(page) >= 8 && string(page[:8]) == "OpusHead" {
			continue
		}
		if len(page) >= 8 && string(page[:8]) == "OpusTags" {
			continue
		}
		return page, nil
	}
}

func (a *audioSource) close() {
	_ = a.file.Close()
}
