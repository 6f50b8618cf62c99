package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/meshbus/internal/protocol/wire"
)

// Decode parses one frame from data. Bytes after the frame's last field are
// ignored. String fields are copied out of data, so the caller may reuse it.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	tag := MessageType(data[0])
	r := wire.NewReader(data[1:])

	var (
		f   Frame
		err error
	)
	switch tag {
	case MessageMessage:
		f, err = decodeMessage(r)
	case MessageChannelsReplace:
		f, err = decodeChannels(r, ChannelsReplace)
	case MessageChannelsAdd:
		f, err = decodeChannels(r, ChannelsAdd)
	case MessageChannelsErase:
		f, err = decodeChannels(r, ChannelsErase)
	case MessageChannelsReset:
		f = ResetFrame{}
	case MessageNoRoute:
		var fr NoRouteFrame
		if fr.Sender, err = r.String(); err == nil {
			fr.Receiver, err = r.String()
		}
		f = fr
	case MessageAddToGroup:
		var fr AddToGroupFrame
		if fr.Group, err = r.String(); err == nil {
			fr.Target, err = r.String()
		}
		f = fr
	case MessageCloseGroup:
		var fr CloseGroupFrame
		fr.Group, err = r.String()
		f = fr
	case MessageGroupEmpty:
		var fr GroupEmptyFrame
		fr.Group, err = r.String()
		f = fr
	case MessageNewSession:
		var fr NewSessionFrame
		fr.Version, err = r.Uint()
		f = fr
	case MessageUpdateSerial:
		var fr UpdateSerialFrame
		fr.Serial, err = r.String()
		f = fr
	case MessagePing:
		f = PingFrame{}
	case MessagePong:
		f = PongFrame{}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(tag))
	}
	if err != nil {
		return nil, wrapDecodeErr(tag, err)
	}
	return f, nil
}

func decodeMessage(r *wire.Reader) (Frame, error) {
	var (
		fr  MessageFrame
		err error
	)
	if fr.ConversationID, err = r.Uint(); err != nil {
		return nil, err
	}
	if fr.Sender, err = r.String(); err != nil {
		return nil, err
	}
	if fr.Topic, err = r.String(); err != nil {
		return nil, err
	}
	payload, err := r.BinaryString()
	if err != nil {
		return nil, err
	}
	fr.Payload = make([]byte, len(payload))
	copy(fr.Payload, payload)
	return fr, nil
}

func decodeChannels(r *wire.Reader, op ChannelOp) (Frame, error) {
	// every topic costs at least its one-byte length prefix
	n, err := r.Count(1)
	if err != nil {
		return nil, err
	}
	topics := make([]string, 0, n)
	for i := 0; i < n; i++ {
		topic, err := r.String()
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return ChannelsFrame{Op: op, Topics: topics}, nil
}

func wrapDecodeErr(tag MessageType, err error) error {
	if errors.Is(err, wire.ErrTruncated) || errors.Is(err, wire.ErrLengthOverflow) {
		return fmt.Errorf("%w: %s: %w", ErrTruncated, tag, err)
	}
	return fmt.Errorf("protocol: decode %s: %w", tag, err)
}
