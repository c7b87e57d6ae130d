package wire

import "regexp"

// Version is checked against the client's reported version on every
// connection. Versions must match exactly.
const Version = "0.1.11"

// UpgradeURL is sent along with versionMismatch so outdated clients
// know where to get a new binary.
const UpgradeURL = "https://github.com/boltalka/boltalka#upgrading"

// Protocol limits. Every inbound buffer is sized by MaxFrameSize.
const (
	MaxFrameSize   = 8192
	MaxContentLen  = 1024
	MaxStatusLen   = 64
	MaxUsernameLen = 32
	MaxFileSize    = 100 << 20
	// MaxChunkData leaves headroom for the msgpack envelope so an
	// encoded fileChunk still fits under MaxFrameSize.
	MaxChunkData = 7680
)

type Kind string

const (
	KindHello           Kind = "hello"
	KindWelcome         Kind = "welcome"
	KindVersionMismatch Kind = "versionMismatch"
	KindChat            Kind = "chat"
	KindDM              Kind = "dm"
	KindDMAck           Kind = "dmAck"
	KindJoin            Kind = "join"
	KindLeave           Kind = "leave"
	KindRename          Kind = "rename"
	KindListReq         Kind = "listReq"
	KindListResp        Kind = "listResp"
	KindStatus          Kind = "status"
	KindFileOffer       Kind = "fileOffer"
	KindFileAccept      Kind = "fileAccept"
	KindFileReject      Kind = "fileReject"
	KindFileChunk       Kind = "fileChunk"
	KindFileEnd         Kind = "fileEnd"
	KindError           Kind = "error"
	KindKick            Kind = "kick"
	KindPing            Kind = "ping"
	KindPong            Kind = "pong"
)

type ErrorCode string

const (
	CodeCapacityExceeded ErrorCode = "CapacityExceeded"
	CodeVersionMismatch  ErrorCode = "VersionMismatch"
	CodeNameUnavailable  ErrorCode = "NameUnavailable"
	CodeBanned           ErrorCode = "Banned"
	CodeBadFrame         ErrorCode = "BadFrame"
	CodeMessageTooLarge  ErrorCode = "MessageTooLarge"
	CodeRateLimited      ErrorCode = "RateLimited"
	CodeNoSuchUser       ErrorCode = "NoSuchUser"
	CodeBackpressure     ErrorCode = "Backpressure"
	CodeTransferTimeout  ErrorCode = "TransferTimeout"
	CodeTransferAborted  ErrorCode = "TransferAborted"
	CodeSizeOverrun      ErrorCode = "SizeOverrun"
)

// Leave reasons.
const (
	ReasonQuit       = "quit"
	ReasonKick       = "kick"
	ReasonDrop       = "drop"
	ReasonBan        = "ban"
	ReasonServerDown = "server-down"
)

// Message is the single wire-level unit. Kind selects which fields are
// meaningful; unused fields are omitted from the encoded payload.
type Message struct {
	Kind Kind `msgpack:"kind"`

	Username      string `msgpack:"username,omitempty"`
	ClientVersion string `msgpack:"clientVersion,omitempty"`
	ServerVersion string `msgpack:"serverVersion,omitempty"`
	UpgradeURL    string `msgpack:"upgradeUrl,omitempty"`

	Sender    string `msgpack:"sender,omitempty"`
	Recipient string `msgpack:"recipient,omitempty"`
	Content   string `msgpack:"content,omitempty"`

	Reason  string `msgpack:"reason,omitempty"`
	OldName string `msgpack:"oldName,omitempty"`
	NewName string `msgpack:"newName,omitempty"`
	Target  string `msgpack:"target,omitempty"`

	Users      []string `msgpack:"users,omitempty"`
	StatusText string   `msgpack:"statusText,omitempty"`

	FileID   string `msgpack:"fileId,omitempty"`
	Filename string `msgpack:"filename,omitempty"`
	Size     uint64 `msgpack:"size,omitempty"`
	Seq      uint64 `msgpack:"seq"`
	Data     []byte `msgpack:"data,omitempty"`

	Code ErrorCode `msgpack:"code,omitempty"`
	Text string    `msgpack:"text,omitempty"`
}

// Err builds the error frame sent for every entry of the error taxonomy.
func Err(code ErrorCode, text string) Message {
	return Message{Kind: KindError, Code: code, Text: text}
}

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// ValidUsername reports whether name is acceptable in a hello frame.
// Roster-coined suffixed names may be longer and are not checked here.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}
