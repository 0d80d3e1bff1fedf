// Package wire defines the on-the-wire constants shared by every other
// ClawChat package: the record-layer protocol version, the message-type
// opcode table of §6.2, and the classification of each opcode as a
// transport control message or an opaque application message.
package wire

import "fmt"

// Version is the record-layer wire format version.
const Version uint8 = 2

// MessageType identifies the semantic kind of a frame. The set is closed;
// switches over MessageType should be exhaustive.
type MessageType uint8

// Transport control opcodes, handled entirely by the session state machine.
const (
	HandshakePunch     MessageType = 0x01
	HandshakeAck       MessageType = 0x02
	KeepalivePing      MessageType = 0x03
	KeepalivePong      MessageType = 0x04
	KeyRotationPropose MessageType = 0x05
	KeyRotationAck     MessageType = 0x06
	PortRotationNotify MessageType = 0x07
	Compromised        MessageType = 0x08
	CompromisedAck     MessageType = 0x09
	ErrorFrame         MessageType = 0x0A
)

// Application opcodes, opaque to the record layer and session state
// machine; they are relayed verbatim to/from the local backend (§4.6).
const (
	ChatRequest       MessageType = 0x20
	ChatResponse      MessageType = 0x21
	FileList          MessageType = 0x30
	FileDownloadChunk MessageType = 0x31
	FileUploadChunk   MessageType = 0x32
	FileDelete        MessageType = 0x33
	FileRename        MessageType = 0x34
	FileMkdir         MessageType = 0x35
	FileStat          MessageType = 0x36
	CronList          MessageType = 0x40
	CronAdd           MessageType = 0x41
	CronRemove        MessageType = 0x42
	CronRun           MessageType = 0x43
	CronReload        MessageType = 0x44
	CronResult        MessageType = 0x45
)

var names = map[MessageType]string{
	HandshakePunch:     "HANDSHAKE_PUNCH",
	HandshakeAck:       "HANDSHAKE_ACK",
	KeepalivePing:      "KEEPALIVE_PING",
	KeepalivePong:      "KEEPALIVE_PONG",
	KeyRotationPropose: "KEY_ROTATION_PROPOSE",
	KeyRotationAck:     "KEY_ROTATION_ACK",
	PortRotationNotify: "PORT_ROTATION_NOTIFY",
	Compromised:        "COMPROMISED",
	CompromisedAck:     "COMPROMISED_ACK",
	ErrorFrame:         "ERROR",
	ChatRequest:        "CHAT_REQUEST",
	ChatResponse:       "CHAT_RESPONSE",
	FileList:           "FILE_LIST",
	FileDownloadChunk:  "FILE_DOWNLOAD_CHUNK",
	FileUploadChunk:    "FILE_UPLOAD_CHUNK",
	FileDelete:         "FILE_DELETE",
	FileRename:         "FILE_RENAME",
	FileMkdir:          "FILE_MKDIR",
	FileStat:           "FILE_STAT",
	CronList:           "CRON_LIST",
	CronAdd:            "CRON_ADD",
	CronRemove:         "CRON_REMOVE",
	CronRun:            "CRON_RUN",
	CronReload:         "CRON_RELOAD",
	CronResult:         "CRON_RESULT",
}

// String renders the opcode's symbolic name, or "unknown(0xNN)" for values
// outside the closed enum.
func (m MessageType) String() string {
	if name, ok := names[m]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(m))
}

// IsApplication reports whether m is one of the opaque APPLICATION kinds
// relayed to the backend, as opposed to a TRANSPORT control kind handled by
// the session state machine itself.
func (m MessageType) IsApplication() bool {
	_, known := names[m]
	return known && m >= ChatRequest
}

// Known reports whether m is a recognized opcode at all.
func (m MessageType) Known() bool {
	_, ok := names[m]
	return ok
}

// requestResponsePairs maps an APPLICATION request opcode to the opcode its
// backend reply must carry, per §4.6 ("preserving message_type round-trips
// for request/response kinds").
var requestResponsePairs = map[MessageType]MessageType{
	ChatRequest: ChatResponse,
}

// ExpectedReply returns the reply opcode paired with a request opcode, if
// the pair is a fixed request/response kind. Most application opcodes (file
// and cron operations) carry their own result semantics and are not paired
// here; the backend is free to reply with any application opcode.
func ExpectedReply(request MessageType) (MessageType, bool) {
	reply, ok := requestResponsePairs[request]
	return reply, ok
}
