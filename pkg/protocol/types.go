package protocol

import "strings"

// MsgType is the closed set of message kinds carried by the envelope.
type MsgType int32

const (
    MsgUnknown MsgType = iota
    MsgPing
    MsgBroadcast
    MsgFileTransfer
    MsgCommand
    MsgDelegateTask
)

// MsgTypeFromWire maps a wire value to a MsgType; values outside the closed
// set decode as MsgUnknown.
func MsgTypeFromWire(v int32) MsgType {
    if v < int32(MsgUnknown) || v > int32(MsgDelegateTask) { return MsgUnknown }
    return MsgType(v)
}

func (t MsgType) String() string {
    switch t {
    case MsgPing:
        return "PING"
    case MsgBroadcast:
        return "BROADCAST"
    case MsgFileTransfer:
        return "FILE_TRANSFER"
    case MsgCommand:
        return "COMMAND"
    case MsgDelegateTask:
        return "DELEGATE_TASK"
    default:
        return "UNKNOWN"
    }
}

// ParseMsgType accepts the String form, case-insensitively.
func ParseMsgType(s string) (MsgType, bool) {
    for t := MsgUnknown; t <= MsgDelegateTask; t++ {
        if strings.EqualFold(t.String(), strings.TrimSpace(s)) { return t, true }
    }
    return MsgUnknown, false
}

// ContentType hints for payload helpers.
const (
    ContentJSON = "application/json"
    ContentCBOR = "application/cbor"
)
