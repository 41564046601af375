package types

import (
	"bytes"
	"fmt"
)

// EventKind discriminates the members of the bus event union
type EventKind uint8

const (
	// Commands, emitted by consumers and observed by the broker.
	KindPortListen EventKind = iota + 1
	KindPortIgnore
	KindMessageToRemote
	KindClose

	// Events, emitted by the broker and observed by every consumer.
	KindPortListenResult
	KindOpened
	KindMessageFromRemote
	KindClosed
	KindPortIgnored
)

var kindNames = map[EventKind]string{
	KindPortListen:        "port_listen",
	KindPortIgnore:        "port_ignore",
	KindMessageToRemote:   "message_to_remote",
	KindClose:             "close",
	KindPortListenResult:  "port_listen_result",
	KindOpened:            "opened",
	KindMessageFromRemote: "message_from_remote",
	KindClosed:            "closed",
	KindPortIgnored:       "port_ignored",
}

// String returns the string representation of the kind
func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Valid reports whether k is a known kind
func (k EventKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsCommand reports whether k is a consumer-to-broker command
func (k EventKind) IsCommand() bool {
	return k >= KindPortListen && k <= KindClose
}

// Event is one member of the fixed bus union. Values are immutable once
// published: message payloads are only reachable through copying accessors.
type Event interface {
	Kind() EventKind
	isEvent()
}

// PortListen asks the broker to start accepting connections on Port
type PortListen struct {
	Port  Port
	Owner OwnerID
}

// PortIgnore asks the broker to stop accepting new connections on Port
type PortIgnore struct {
	Port  Port
	Owner OwnerID
}

// MessageToRemote carries bytes to be written to a channel's peer
type MessageToRemote struct {
	Channel ChannelID
	content []byte
}

// Close asks the broker to tear down a channel
type Close struct {
	Channel ChannelID
}

// PortListenResult reports the outcome of a PortListen
type PortListenResult struct {
	Port   Port
	Owner  OwnerID
	Result ListenResult
}

// Opened announces a new channel accepted on a listening port
type Opened struct {
	Port    Port
	Owner   OwnerID
	Channel ChannelID
}

// MessageFromRemote carries bytes received from a channel's peer
type MessageFromRemote struct {
	Channel ChannelID
	content []byte
}

// Closed announces that a channel is gone. It is the last event for the
// channel and is published exactly once.
type Closed struct {
	Channel ChannelID
}

// PortIgnored acknowledges a PortIgnore. It does not imply the port was
// being listened on.
type PortIgnored struct {
	Port  Port
	Owner OwnerID
}

// NewMessageToRemote builds an outbound message, copying content
func NewMessageToRemote(channel ChannelID, content []byte) MessageToRemote {
	return MessageToRemote{Channel: channel, content: bytes.Clone(content)}
}

// Content returns a copy of the message bytes
func (m MessageToRemote) Content() []byte { return bytes.Clone(m.content) }

// Len returns the payload length
func (m MessageToRemote) Len() int { return len(m.content) }

// NewMessageFromRemote builds an inbound message, copying content
func NewMessageFromRemote(channel ChannelID, content []byte) MessageFromRemote {
	return MessageFromRemote{Channel: channel, content: bytes.Clone(content)}
}

// Content returns a copy of the message bytes
func (m MessageFromRemote) Content() []byte { return bytes.Clone(m.content) }

// Len returns the payload length
func (m MessageFromRemote) Len() int { return len(m.content) }

func (PortListen) Kind() EventKind        { return KindPortListen }
func (PortIgnore) Kind() EventKind        { return KindPortIgnore }
func (MessageToRemote) Kind() EventKind   { return KindMessageToRemote }
func (Close) Kind() EventKind             { return KindClose }
func (PortListenResult) Kind() EventKind  { return KindPortListenResult }
func (Opened) Kind() EventKind            { return KindOpened }
func (MessageFromRemote) Kind() EventKind { return KindMessageFromRemote }
func (Closed) Kind() EventKind            { return KindClosed }
func (PortIgnored) Kind() EventKind       { return KindPortIgnored }

func (PortListen) isEvent()        {}
func (PortIgnore) isEvent()        {}
func (MessageToRemote) isEvent()   {}
func (Close) isEvent()             {}
func (PortListenResult) isEvent()  {}
func (Opened) isEvent()            {}
func (MessageFromRemote) isEvent() {}
func (Closed) isEvent()            {}
func (PortIgnored) isEvent()       {}

// OwnerOf returns the owner id carried by ev, if its kind has one
func OwnerOf(ev Event) (OwnerID, bool) {
	switch e := ev.(type) {
	case PortListen:
		return e.Owner, true
	case PortIgnore:
		return e.Owner, true
	case PortListenResult:
		return e.Owner, true
	case Opened:
		return e.Owner, true
	case PortIgnored:
		return e.Owner, true
	}
	return "", false
}

// ChannelOf returns the channel id carried by ev, if its kind has one
func ChannelOf(ev Event) (ChannelID, bool) {
	switch e := ev.(type) {
	case MessageToRemote:
		return e.Channel, true
	case Close:
		return e.Channel, true
	case Opened:
		return e.Channel, true
	case MessageFromRemote:
		return e.Channel, true
	case Closed:
		return e.Channel, true
	}
	return 0, false
}
