package types

import (
	"fmt"
	"strconv"
)

// Port is a TCP port number the broker may listen on.
type Port uint16

// String returns the decimal port number
func (p Port) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// ChannelID identifies one live external connection. It is unique among
// currently open channels and may be reused once a channel has closed.
type ChannelID uint16

// String returns the decimal channel id
func (c ChannelID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// OwnerID is the requester identity (user_id) a consumer attaches to port
// commands so it can pick its own responses out of the broadcast stream.
type OwnerID string

// String returns the owner id as a string
func (o OwnerID) String() string {
	return string(o)
}

// PortState is the lifecycle state of a port registration
type PortState uint8

const (
	PortIdle PortState = iota
	PortPending
	PortListening
	PortClosing
)

// String returns the string representation of the port state
func (s PortState) String() string {
	switch s {
	case PortIdle:
		return "idle"
	case PortPending:
		return "pending"
	case PortListening:
		return "listening"
	case PortClosing:
		return "closing"
	default:
		return fmt.Sprintf("PortState(%d)", uint8(s))
	}
}

// MarshalText encodes the state by name
func (s PortState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChannelState is the lifecycle state of a channel
type ChannelState uint8

const (
	ChannelOpen ChannelState = iota + 1
	ChannelClosing
	ChannelClosed
)

// String returns the string representation of the channel state
func (s ChannelState) String() string {
	switch s {
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("ChannelState(%d)", uint8(s))
	}
}

// MarshalText encodes the state by name
func (s ChannelState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ListenResult is the outcome of a bind attempt reported in PortListenResult
type ListenResult uint8

const (
	ListenSuccess ListenResult = iota
	ListenGeneralFailure
	ListenInUseFailure
	ListenNoPermissionFailure
)

// String returns the string representation of the listen result
func (r ListenResult) String() string {
	switch r {
	case ListenSuccess:
		return "success"
	case ListenGeneralFailure:
		return "general_failure"
	case ListenInUseFailure:
		return "in_use_failure"
	case ListenNoPermissionFailure:
		return "no_permission_failure"
	default:
		return fmt.Sprintf("ListenResult(%d)", uint8(r))
	}
}

// Valid reports whether r is one of the defined results
func (r ListenResult) Valid() bool {
	return r <= ListenNoPermissionFailure
}
