package proto

// FrameType: 1-byte type on wire (RPC message kind).
type FrameType uint8

const (
	TypeRequest           FrameType = 0x01
	TypeResponse          FrameType = 0x02
	TypeError             FrameType = 0x03
	TypeAuthChallenge     FrameType = 0x04
	TypeAuthResponse      FrameType = 0x05
	TypeStreamChunk       FrameType = 0x06
	TypeStreamEnd         FrameType = 0x07
	TypeStreamCancel      FrameType = 0x08
	TypeHello             FrameType = 0x09
	TypeReady             FrameType = 0x0A
	TypeSignalSubscribe   FrameType = 0x0B
	TypeSignalUnsubscribe FrameType = 0x0C
	TypeSignalEvent       FrameType = 0x0D
	TypePing              FrameType = 0x0E
)

// FrameHeaderSize: 1 + 1 + 4 = 6 bytes (type, flags, length).
const FrameHeaderSize = 6

// MaxPayloadSize 16MiB.
const MaxPayloadSize = 1024 * 1024 * 16

// MaxBufferedSize: undecoded bytes a Decoder may hold before the channel is considered corrupt.
const MaxBufferedSize = 2 * MaxPayloadSize

// StreamIDSize prefix of STREAM_* payloads.
const StreamIDSize = 4

// ProtocolVersion sent in HELLO.
const ProtocolVersion = "1.0"

// IsSetupType true for handshake messages allowed before the peer is ready.
func IsSetupType(t FrameType) bool {
	switch t {
	case TypeHello, TypeAuthChallenge, TypeAuthResponse, TypeReady:
		return true
	}
	return false
}

func (t FrameType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypeError:
		return "ERROR"
	case TypeAuthChallenge:
		return "AUTH_CHALLENGE"
	case TypeAuthResponse:
		return "AUTH_RESPONSE"
	case TypeStreamChunk:
		return "STREAM_CHUNK"
	case TypeStreamEnd:
		return "STREAM_END"
	case TypeStreamCancel:
		return "STREAM_CANCEL"
	case TypeHello:
		return "HELLO"
	case TypeReady:
		return "READY"
	case TypeSignalSubscribe:
		return "SIGNAL_SUBSCRIBE"
	case TypeSignalUnsubscribe:
		return "SIGNAL_UNSUBSCRIBE"
	case TypeSignalEvent:
		return "SIGNAL_EVENT"
	case TypePing:
		return "PING"
	}
	return "UNKNOWN"
}
