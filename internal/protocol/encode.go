package protocol

import (
	"fmt"

	"github.com/danmuck/meshbus/internal/protocol/wire"
)

// Encode returns the wire form of f.
func Encode(f Frame) ([]byte, error) {
	return AppendFrame(nil, f)
}

// AppendFrame appends the wire form of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	switch fr := f.(type) {
	case MessageFrame:
		if fr.ConversationID > wire.MaxUint {
			return dst, fmt.Errorf("%w: conversation id %d", ErrValueRange, fr.ConversationID)
		}
		dst = append(dst, byte(MessageMessage))
		dst = wire.AppendUint(dst, fr.ConversationID)
		dst = wire.AppendString(dst, fr.Sender)
		dst = wire.AppendString(dst, fr.Topic)
		return wire.AppendBytes(dst, fr.Payload), nil
	case *MessageFrame:
		return AppendFrame(dst, *fr)
	case ChannelsFrame:
		tag, err := fr.Op.MessageType()
		if err != nil {
			return dst, err
		}
		dst = append(dst, byte(tag))
		dst = wire.AppendUint(dst, uint64(len(fr.Topics)))
		for _, topic := range fr.Topics {
			dst = wire.AppendString(dst, topic)
		}
		return dst, nil
	case ResetFrame:
		return append(dst, byte(MessageChannelsReset)), nil
	case NoRouteFrame:
		dst = append(dst, byte(MessageNoRoute))
		dst = wire.AppendString(dst, fr.Sender)
		return wire.AppendString(dst, fr.Receiver), nil
	case AddToGroupFrame:
		dst = append(dst, byte(MessageAddToGroup))
		dst = wire.AppendString(dst, fr.Group)
		return wire.AppendString(dst, fr.Target), nil
	case CloseGroupFrame:
		dst = append(dst, byte(MessageCloseGroup))
		return wire.AppendString(dst, fr.Group), nil
	case GroupEmptyFrame:
		dst = append(dst, byte(MessageGroupEmpty))
		return wire.AppendString(dst, fr.Group), nil
	case NewSessionFrame:
		if fr.Version > wire.MaxUint {
			return dst, fmt.Errorf("%w: version %d", ErrValueRange, fr.Version)
		}
		dst = append(dst, byte(MessageNewSession))
		return wire.AppendUint(dst, fr.Version), nil
	case UpdateSerialFrame:
		dst = append(dst, byte(MessageUpdateSerial))
		return wire.AppendString(dst, fr.Serial), nil
	case PingFrame:
		return append(dst, byte(MessagePing)), nil
	case PongFrame:
		return append(dst, byte(MessagePong)), nil
	case nil:
		return dst, ErrEmptyFrame
	default:
		return dst, fmt.Errorf("%w: %T", ErrUnknownType, f)
	}
}
