package peerhost

import "fmt"

// Event is one occurrence reported by Host.Service or Host.CheckEvents. Kind
// is one of ConnectEvent, ReceiveEvent or DisconnectEvent.
type Event struct {
	PeerID PeerID
	Kind   EventKind
}

func (e Event) String() string {
	return fmt.Sprintf("peer %d: %v", e.PeerID, e.Kind)
}

// EventKind is implemented by the event payload types.
type EventKind interface {
	isEventKind()
}

// ConnectEvent reports an established connection, inbound or outbound.
type ConnectEvent struct {
	ChannelCount int
	// Data is the user data passed to Connect by the initiating side.
	Data uint32
}

// ReceiveEvent reports a packet received on a channel.
type ReceiveEvent struct {
	ChannelID uint8
	Packet    Packet
}

// DisconnectEvent reports the end of a connection. Reason is the value passed
// to Disconnect by the remote side, or 0 on timeout. The peer's data is still
// readable while handling this event and is cleared by the next poll.
type DisconnectEvent struct {
	Reason uint32
}

func (ConnectEvent) isEventKind()    {}
func (ReceiveEvent) isEventKind()    {}
func (DisconnectEvent) isEventKind() {}

func (e ConnectEvent) String() string {
	return fmt.Sprintf("connect (channels=%d data=%d)", e.ChannelCount, e.Data)
}

func (e ReceiveEvent) String() string {
	return fmt.Sprintf("receive (channel=%d bytes=%d mode=%s)", e.ChannelID, len(e.Packet.Data), e.Packet.Mode)
}

func (e DisconnectEvent) String() string {
	return fmt.Sprintf("disconnect (reason=%d)", e.Reason)
}
