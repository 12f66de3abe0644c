package whip

// State tracks the progress of a publish session. States only move forward,
// except for the transition to StateFailed, which is terminal.
type State int

const (
	StateNone State = iota
	// The initial state.
	StateInit
	// The offer has been sent to the peer.
	StateOffer
	// The answer has been received from the peer.
	StateAnswer
	// The answer has been parsed and the remote candidate selected.
	StateNegotiated
	// The UDP socket is connected to the peer.
	StateUDPConnected
	// The STUN binding request has been sent.
	StateICEConnecting
	// The STUN binding response has been received.
	StateICEConnected
	// The DTLS handshake has completed.
	StateDTLSFinished
	// The SRTP contexts are keyed.
	StateSRTPFinished
	// The session is ready to send media frames.
	StateReady
	// The session has failed.
	StateFailed
)

var stateNames = map[State]string{
	StateNone:          "none",
	StateInit:          "init",
	StateOffer:         "offer",
	StateAnswer:        "answer",
	StateNegotiated:    "negotiated",
	StateUDPConnected:  "udp_connected",
	StateICEConnecting: "ice_connecting",
	StateICEConnected:  "ice_connected",
	StateDTLSFinished:  "dtls_finished",
	StateSRTPFinished:  "srtp_finished",
	StateReady:         "ready",
	StateFailed:        "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}
