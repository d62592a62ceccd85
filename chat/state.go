package chat

import (
	"fmt"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/internal/errorutil"
)

// MessageState is a state of the chat message delivery state machine.
type MessageState int32

const (
	MessageStateIdle MessageState = iota
	MessageStateInProgress
	MessageStatePendingDelivery
	MessageStateDelivered
	MessageStateDeliveredToUser
	MessageStateDisplayed
	MessageStateNotDelivered
	MessageStateFileTransferInProgress
	MessageStateFileTransferDone
	MessageStateFileTransferError
	MessageStateFileTransferCancelling
)

var msgStateNames = [...]string{
	MessageStateIdle:                   "Idle",
	MessageStateInProgress:             "InProgress",
	MessageStatePendingDelivery:        "PendingDelivery",
	MessageStateDelivered:              "Delivered",
	MessageStateDeliveredToUser:        "DeliveredToUser",
	MessageStateDisplayed:              "Displayed",
	MessageStateNotDelivered:           "NotDelivered",
	MessageStateFileTransferInProgress: "FileTransferInProgress",
	MessageStateFileTransferDone:       "FileTransferDone",
	MessageStateFileTransferError:      "FileTransferError",
	MessageStateFileTransferCancelling: "FileTransferCancelling",
}

func (s MessageState) String() string {
	if s >= 0 && int(s) < len(msgStateNames) {
		return msgStateNames[s]
	}
	return fmt.Sprintf("MessageState(%d)", int(s))
}

// IsFileTransfer reports whether the state belongs to the file transfer sub-machine.
func (s MessageState) IsFileTransfer() bool {
	return s >= MessageStateFileTransferInProgress && s <= MessageStateFileTransferCancelling
}

// rank orders the success path, used to keep acknowledgements monotonic.
func (s MessageState) rank() int {
	switch s {
	case MessageStateDelivered:
		return 1
	case MessageStateDeliveredToUser:
		return 2
	case MessageStateDisplayed:
		return 3
	default:
		return 0
	}
}

func (s MessageState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *MessageState) UnmarshalText(b []byte) error {
	for i, n := range msgStateNames {
		if strings.EqualFold(n, string(b)) {
			*s = MessageState(i)
			return nil
		}
	}
	return errtrace.Wrap(errorutil.NewInvalidArgumentError("unknown message state %q", b))
}

// Direction is the message direction.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "outgoing":
		*d = Outgoing
	case "incoming":
		*d = Incoming
	default:
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("unknown direction %q", b))
	}
	return nil
}

// Backend is a chat room backend.
type Backend int

const (
	// BackendBasic is a one-to-one room addressed directly to the peer.
	BackendBasic Backend = iota
	// BackendFlexisipChat is a server-side group room addressed through a conference address.
	BackendFlexisipChat
)

func (b Backend) String() string {
	if b == BackendFlexisipChat {
		return "FlexisipChat"
	}
	return "Basic"
}
