// Package limits provides centralized size and count constants and validation
// functions for the peerhost protocol.
//
// # Sizes
//
// Every datagram is at most DefaultMTU bytes. A datagram starts with a
// DatagramHeaderSize header, and sealed datagrams carry a SealOverhead tag.
// One packet always fits in one datagram, so user payloads are bounded by
// MaxPacketPayload:
//
//	if err := limits.ValidatePacketPayload(data); err != nil {
//	    // errors.Is(err, limits.ErrPacketTooLarge)
//	}
//
// # Counts
//
// Peer tables hold between 1 and MaxPeerCount slots. Connections negotiate
// between MinChannelCount and MaxChannelCount channels; a host's channel
// limit clamps the count requested by a connecting peer:
//
//	n := limits.ClampChannelCount(requested, hostLimit)
package limits
