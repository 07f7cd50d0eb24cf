package protocol

// Message types
const (
	MsgTypeHello    = 0x01 // Probe request
	MsgTypeHelloAck = 0x02 // Probe answer with the server's view of the handshake
	MsgTypeError    = 0xFF // Error message
)

// HelloMsg is sent by the client right after the TLS handshake
type HelloMsg struct {
	ClientID string // Unique client identifier
	Seq      int    // Probe sequence number for this target
	Version  string // Protocol version
}

// HelloAckMsg reports how the server saw the handshake
type HelloAckMsg struct {
	Seq                int    // Echoed from HelloMsg
	ServerName         string // SNI received
	Resumed            bool   // Server side session reused flag
	NegotiatedProtocol string // ALPN result
	TLSVersion         uint16
	CipherSuite        uint16
}

// ErrorMsg carries error information
type ErrorMsg struct {
	Code    uint32 // Error code
	Message string // Error message
}

// Error codes
const (
	ErrCodeBadRequest = 400
	ErrCodeVersion    = 426
)

const ProtocolVersion = "1.0"
