package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNoConfig = errors.New("missing config")

	ErrUnsupportedVideoCodec = errors.New("unsupported video codec, choose h264")
	ErrUnsupportedAudioCodec = errors.New("unsupported audio codec, choose opus")
	ErrDuplicateTrack        = errors.New("only one stream per media type is supported")
	ErrBFramesNotSupported   = errors.New("b-frames are not supported")
	ErrInvalidExtradata      = errors.New("extradata must be ISOM AVCC or annexb")

	ErrNoICECredentials = errors.New("no remote ice ufrag or pwd in answer")
	ErrNoICECandidate   = errors.New("no usable udp host candidate in answer")

	ErrSessionNotReady = errors.New("session is not ready")
	ErrSessionFailed   = errors.New("session is in failed state")
	// ErrSessionClosed is returned on write once the peer has sent a DTLS
	// close-notify.
	ErrSessionClosed = errors.New("session closed by peer")
)

func New(err string) error {
	return errors.New(err)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func ErrCouldNotParseConfig(err error) error {
	return fmt.Errorf("could not parse config: %v", err)
}

func ErrUnsupportedSampleRate(rate int) error {
	return fmt.Errorf("unsupported audio sample rate %d, choose 48000", rate)
}

func ErrUnsupportedChannelCount(channels int) error {
	return fmt.Errorf("unsupported audio channels %d, choose stereo", channels)
}

func ErrInvalidAnswer(detail string) error {
	return fmt.Errorf("invalid SDP answer: %s", detail)
}

func ErrFromHTTPStatus(status int, url string) error {
	return fmt.Errorf("whip request to %s failed with status %d", url, status)
}

// HandshakeTimeoutError is returned when the ICE and DTLS handshake does not
// complete within the configured timeout.
type HandshakeTimeoutError struct {
	Timeout int // milliseconds
}

func NewHandshakeTimeoutError(timeoutMs int) error {
	return &HandshakeTimeoutError{Timeout: timeoutMs}
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("ice/dtls handshake timed out after %dms", e.Timeout)
}
