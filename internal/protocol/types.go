package protocol

import "fmt"

// ProtocolVersion is announced in new_session frames and the stream hello.
const ProtocolVersion uint64 = 1

// MessageType is the leading tag byte of every frame.
type MessageType byte

const (
	MessageMessage         MessageType = 0xFF
	MessageChannelsReplace MessageType = 0xFE
	MessageChannelsAdd     MessageType = 0xFD
	MessageChannelsErase   MessageType = 0xFC
	MessageChannelsReset   MessageType = 0xFB
	MessageNoRoute         MessageType = 0xFA
	MessageAddToGroup      MessageType = 0xF9
	MessageCloseGroup      MessageType = 0xF8
	MessageGroupEmpty      MessageType = 0xF7
	MessageNewSession      MessageType = 0xF6
	MessageUpdateSerial    MessageType = 0xF5
	MessagePing            MessageType = 0xF4
	MessagePong            MessageType = 0xF3
)

var messageTypeNames = map[MessageType]string{
	MessageMessage:         "message",
	MessageChannelsReplace: "channels_replace",
	MessageChannelsAdd:     "channels_add",
	MessageChannelsErase:   "channels_erase",
	MessageChannelsReset:   "channels_reset",
	MessageNoRoute:         "no_route",
	MessageAddToGroup:      "add_to_group",
	MessageCloseGroup:      "close_group",
	MessageGroupEmpty:      "group_empty",
	MessageNewSession:      "new_session",
	MessageUpdateSerial:    "update_serial",
	MessagePing:            "ping",
	MessagePong:            "pong",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// Known reports whether t is a tag this version can decode.
func (t MessageType) Known() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// ChannelOp selects how a channels frame changes the receiver's view of the
// sender's active topics.
type ChannelOp uint8

const (
	ChannelsReplace ChannelOp = iota + 1
	ChannelsAdd
	ChannelsErase
)

func (op ChannelOp) String() string {
	switch op {
	case ChannelsReplace:
		return "replace"
	case ChannelsAdd:
		return "add"
	case ChannelsErase:
		return "erase"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// MessageType maps op to its frame tag.
func (op ChannelOp) MessageType() (MessageType, error) {
	switch op {
	case ChannelsReplace:
		return MessageChannelsReplace, nil
	case ChannelsAdd:
		return MessageChannelsAdd, nil
	case ChannelsErase:
		return MessageChannelsErase, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannelOp, uint8(op))
	}
}

// Frame is one decoded protocol unit.
type Frame interface {
	Type() MessageType
}

type MessageFrame struct {
	ConversationID uint64
	Sender         string
	Topic          string
	Payload        []byte
}

type ChannelsFrame struct {
	Op     ChannelOp
	Topics []string
}

type ResetFrame struct{}

// NoRouteFrame reports that Receiver could not be reached on behalf of Sender.
type NoRouteFrame struct {
	Sender   string
	Receiver string
}

type AddToGroupFrame struct {
	Group  string
	Target string
}

type CloseGroupFrame struct {
	Group string
}

type GroupEmptyFrame struct {
	Group string
}

type NewSessionFrame struct {
	Version uint64
}

type UpdateSerialFrame struct {
	Serial string
}

type PingFrame struct{}

type PongFrame struct{}

func (MessageFrame) Type() MessageType { return MessageMessage }

func (f ChannelsFrame) Type() MessageType {
	t, err := f.Op.MessageType()
	if err != nil {
		return 0
	}
	return t
}

func (ResetFrame) Type() MessageType        { return MessageChannelsReset }
func (NoRouteFrame) Type() MessageType      { return MessageNoRoute }
func (AddToGroupFrame) Type() MessageType   { return MessageAddToGroup }
func (CloseGroupFrame) Type() MessageType   { return MessageCloseGroup }
func (GroupEmptyFrame) Type() MessageType   { return MessageGroupEmpty }
func (NewSessionFrame) Type() MessageType   { return MessageNewSession }
func (UpdateSerialFrame) Type() MessageType { return MessageUpdateSerial }
func (PingFrame) Type() MessageType         { return MessagePing }
func (PongFrame) Type() MessageType         { return MessagePong }
