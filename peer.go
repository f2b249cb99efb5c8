package peerhost

import (
	"fmt"
	"time"

	"github.com/opd-ai/peerhost/transport"
)

// PeerID identifies a slot of a host's peer table. It is always less than
// the host's PeerCount and is reused once the slot's occupant has
// disconnected. A PeerID is only meaningful for the host that produced it.
type PeerID uint

// PeerState is the connection state of a peer slot.
type PeerState = transport.PeerState

// Peer states.
const (
	PeerDisconnected         = transport.StateDisconnected
	PeerConnecting           = transport.StateConnecting
	PeerAcknowledgingConnect = transport.StateAcknowledgingConnect
	PeerConnected            = transport.StateConnected
	PeerDisconnectLater      = transport.StateDisconnectLater
	PeerDisconnecting        = transport.StateDisconnecting
	PeerZombie               = transport.StateZombie
)

// PacketMode selects how a packet is delivered.
type PacketMode uint8

const (
	// Reliable packets are retransmitted until acknowledged and delivered in order.
	Reliable PacketMode = iota
	// Unreliable packets may be lost; packets older than one already delivered are dropped.
	Unreliable
	// Unsequenced packets may be lost and are delivered in arrival order.
	Unsequenced
)

func (m PacketMode) String() string {
	switch m {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	case Unsequenced:
		return "unsequenced"
	default:
		return fmt.Sprintf("PacketMode(%d)", uint8(m))
	}
}

// Packet is a payload sent to or received from a peer.
type Packet struct {
	Data []byte
	Mode PacketMode
}

func (p Packet) toNative() *transport.Packet {
	np := &transport.Packet{Data: p.Data}
	switch p.Mode {
	case Reliable:
		np.Flags = transport.FlagReliable
	case Unsequenced:
		np.Flags = transport.FlagUnsequenced
	}
	return np
}

func packetFromNative(np *transport.Packet) Packet {
	if np == nil {
		return Packet{}
	}
	p := Packet{Data: np.Data, Mode: Unreliable}
	switch {
	case np.Flags&transport.FlagReliable != 0:
		p.Mode = Reliable
	case np.Flags&transport.FlagUnsequenced != 0:
		p.Mode = Unsequenced
	}
	return p
}

// Peer is a view of one slot of a host's peer table with an optional payload
// of type T. A Peer must not be used after the host is destroyed.
type Peer[T any] struct {
	native *transport.Peer
}

// State returns the connection state.
func (p *Peer[T]) State() PeerState { return p.native.State() }

// ChannelCount returns the number of channels of the connection.
func (p *Peer[T]) ChannelCount() int { return p.native.ChannelCount() }

// RoundTripTime returns the smoothed round-trip time estimate.
func (p *Peer[T]) RoundTripTime() time.Duration { return p.native.RoundTripTime() }

// Address returns the remote address.
func (p *Peer[T]) Address() Address { return AddressFromNative(p.native.Address()) }

// ConnectData returns the user data supplied by the initiating side.
func (p *Peer[T]) ConnectData() uint32 { return p.native.ConnectData() }

// RemoteKey returns the authenticated static public key of the remote host.
func (p *Peer[T]) RemoteKey() [32]byte { return p.native.RemoteKey() }

// Data returns the attached payload, or nil.
func (p *Peer[T]) Data() *T {
	v, _ := p.native.Data().(*T)
	return v
}

// SetData attaches a payload. SetData(nil) discards it; the host does this
// itself on the poll following the peer's Disconnect event.
func (p *Peer[T]) SetData(v *T) {
	if v == nil {
		p.native.SetData(nil)
		return
	}
	p.native.SetData(v)
}

// Send queues a packet on channelID. It is transmitted by the next Service
// or Flush.
func (p *Peer[T]) Send(channelID uint8, packet Packet) error {
	if err := p.native.Send(channelID, packet.toNative()); err != nil {
		return &HostError{Op: "send", Addr: p.Address().String(), Err: err}
	}
	return nil
}

// Disconnect requests a graceful disconnection. A DisconnectEvent follows
// once the remote acknowledges it or the request times out.
func (p *Peer[T]) Disconnect(data uint32) { p.native.Disconnect(data) }

// DisconnectLater disconnects once all queued packets have been delivered.
func (p *Peer[T]) DisconnectLater(data uint32) { p.native.DisconnectLater(data) }

// DisconnectNow notifies the remote side and frees the slot immediately. No
// DisconnectEvent is generated, so the payload is discarded here.
func (p *Peer[T]) DisconnectNow(data uint32) {
	p.native.DisconnectNow(data)
	p.SetData(nil)
}

// Reset drops the connection without notifying the remote side. No
// DisconnectEvent is generated, so the payload is discarded here.
func (p *Peer[T]) Reset() {
	p.native.Reset()
	p.SetData(nil)
}

// Ping sends a reliable ping to refresh the round-trip estimate.
func (p *Peer[T]) Ping() { p.native.Ping() }

// SetPingInterval sets the keep-alive interval; zero selects the default.
func (p *Peer[T]) SetPingInterval(d time.Duration) { p.native.SetPingInterval(d) }

// SetTimeout configures when an unresponsive connection is dropped. Zero
// values select the defaults.
func (p *Peer[T]) SetTimeout(limit int, minimum, maximum time.Duration) {
	p.native.SetTimeout(limit, minimum, maximum)
}
