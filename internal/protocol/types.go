package protocol

import "fmt"

const (
	// HeaderSize is message type, protocol version and payload length, each a
	// big-endian uint32.
	HeaderSize = 12

	// MinVersion and CurrentVersion bound the protocol versions this build
	// can decode. Encoding always uses the negotiated version.
	MinVersion     uint32 = 1
	CurrentVersion uint32 = 3
)

// MessageType selects the top-level shape of a message.
type MessageType uint32

const (
	MessageClientBlock MessageType = iota + 1
	MessageServerBlock
	MessageRequestBlock
	MessageDataBlock
	MessageTypeTable
	MessageStructure
	MessageClosedown
	messageTypeEnd
)

var messageNames = map[MessageType]string{
	MessageClientBlock:  "client_block",
	MessageServerBlock:  "server_block",
	MessageRequestBlock: "request_block",
	MessageDataBlock:    "data_block",
	MessageTypeTable:    "type_table",
	MessageStructure:    "structure",
	MessageClosedown:    "closedown",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("message(%d)", uint32(t))
}

func (t MessageType) Valid() bool {
	return t >= MessageClientBlock && t < messageTypeEnd
}

// HasTail reports whether messages of this type end with an ERROR-TAIL.
// Only the server's replies carry one.
func (t MessageType) HasTail() bool {
	return t == MessageServerBlock || t == MessageDataBlock
}

// Header is the fixed preamble of every message.
type Header struct {
	Type    MessageType
	Version uint32
	Length  uint32
}

// SupportedVersion reports whether v can be decoded.
func SupportedVersion(v uint32) bool {
	return v >= MinVersion && v <= CurrentVersion
}

// Negotiate picks the version both peers speak.
func Negotiate(peer uint32) (uint32, bool) {
	v := peer
	if v > CurrentVersion {
		v = CurrentVersion
	}
	return v, SupportedVersion(v)
}
