// Package limits provides centralized size and count limits for the peerhost
// protocol. This ensures consistent validation across the host and transport.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPeerCount is the largest peer table a host may allocate.
	// Peer slot indices travel on the wire as 12 significant bits.
	MaxPeerCount = 4095

	// MinChannelCount is the smallest channel count a connection may negotiate.
	MinChannelCount = 1

	// MaxChannelCount is the largest channel count a connection may negotiate.
	// A host channel limit equal to this value means "maximum".
	MaxChannelCount = 255

	// DefaultMTU is the largest datagram the transport sends.
	DefaultMTU = 1400

	// DatagramHeaderSize is the fixed header in front of every datagram:
	// target slot (2 bytes), flags (1 byte) and seal nonce (8 bytes).
	DatagramHeaderSize = 11

	// SealOverhead is the ChaCha20-Poly1305 tag appended to sealed datagrams.
	SealOverhead = 16

	// MaxCommandHeader bounds the encoded size of one command header
	// (command, channel, two varints and a send time).
	MaxCommandHeader = 32

	// MaxPacketPayload is the largest user payload carried by one packet.
	// Packets are never fragmented across datagrams.
	MaxPacketPayload = DefaultMTU - DatagramHeaderSize - SealOverhead - MaxCommandHeader

	// MaxDatagramSize is the receive buffer size; anything larger is truncated
	// by the socket and rejected by the codec.
	MaxDatagramSize = 4096
)

var (
	// ErrPacketTooLarge indicates a payload exceeds MaxPacketPayload
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrChannelCount indicates a channel count outside [MinChannelCount, MaxChannelCount]
	ErrChannelCount = errors.New("invalid channel count")

	// ErrPeerCount indicates a peer count outside [1, MaxPeerCount]
	ErrPeerCount = errors.New("invalid peer count")
)

// ValidatePacketPayload validates a user payload against MaxPacketPayload.
// Empty payloads are allowed.
func ValidatePacketPayload(payload []byte) error {
	if len(payload) > MaxPacketPayload {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPacketTooLarge, len(payload), MaxPacketPayload)
	}
	return nil
}

// ValidateChannelCount checks that n can be negotiated by a connection.
func ValidateChannelCount(n int) error {
	if n < MinChannelCount || n > MaxChannelCount {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrChannelCount, n, MinChannelCount, MaxChannelCount)
	}
	return nil
}

// ValidatePeerCount checks that n peer slots can be allocated.
func ValidatePeerCount(n int) error {
	if n < 1 || n > MaxPeerCount {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrPeerCount, n, MaxPeerCount)
	}
	return nil
}

// ClampChannelCount limits a requested channel count to a host's channel limit.
// A limit of zero is treated as MaxChannelCount.
func ClampChannelCount(requested, limit int) int {
	if limit <= 0 || limit > MaxChannelCount {
		limit = MaxChannelCount
	}
	if requested > limit {
		return limit
	}
	if requested < MinChannelCount {
		return MinChannelCount
	}
	return requested
}
