package config

import (
	"os"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/whip-publisher/pkg/errors"
)

const (
	// DefaultHandshakeTimeout bounds the whole ICE + DTLS phase, in milliseconds.
	DefaultHandshakeTimeout = 5000

	// DefaultPktSize is the RTP and DTLS MTU. Pion based servers require a
	// value no larger than 1200.
	DefaultPktSize = 1200

	// Reserved for the SRTP auth tag and padding on every RTP packet.
	SRTPOverhead = 16

	// Packets smaller than this are likely to be dropped by routers.
	minPktSize = 532
)

type Config struct {
	// HandshakeTimeout is the timeout in milliseconds for the ICE and DTLS
	// handshake.
	HandshakeTimeout int `yaml:"handshake_timeout"`
	// PktSize is the maximum size, in bytes, of RTP packets that are sent out.
	PktSize int `yaml:"pkt_size"`
	// Authorization is the optional Bearer token for WHIP authorization
	// (env WHIP_AUTHORIZATION).
	Authorization string `yaml:"authorization"`
	// RebaseOpusTimestamps makes every Opus packet advance the RTP timestamp
	// by exactly 960 samples, ignoring input pts. Some containers carry Opus
	// timestamps that deviate from the 20ms frame cadence and produce audible
	// noise in browsers; rebasing restores the cadence. On by default.
	RebaseOpusTimestamps bool `yaml:"rebase_opus_timestamps"`

	PrometheusPort int    `yaml:"prometheus_port"`
	LogLevel       string `yaml:"log_level"`
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		HandshakeTimeout:     DefaultHandshakeTimeout,
		PktSize:              DefaultPktSize,
		Authorization:        os.Getenv("WHIP_AUTHORIZATION"),
		RebaseOpusTimestamps: true,
		LogLevel:             "info",
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}

	conf.InitLogger()

	if conf.PktSize < minPktSize {
		logger.Warnw("pkt_size is small and may cause packet loss", nil,
			"pktSize", conf.PktSize, "min", minPktSize)
	}

	return conf, nil
}

func (c *Config) InitLogger() {
	conf := zap.NewProductionConfig()
	if c.LogLevel != "" {
		lvl := zapcore.Level(0)
		if err := lvl.UnmarshalText([]byte(c.LogLevel)); err == nil {
			conf.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	l, _ := conf.Build()
	logger.SetLogger(logger.LogRLogger(zapr.NewLogger(l)), "whip-publisher")
}
