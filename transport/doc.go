// Package transport implements the connection engine underneath peerhost: a
// reliable datagram protocol over UDP with a fixed table of peer slots.
//
// # Architecture
//
// A Host owns one UDP socket and a []Peer allocated once at Create. A single
// reader goroutine copies datagrams into an inbox channel; all protocol state
// is changed only by the goroutine calling Service, CheckEvents, Flush,
// Connect or the Peer methods. Hosts are therefore not safe for concurrent
// use, mirroring the single-threaded event loop they are designed for.
//
// # Connection Handshake
//
// Connections are established with the Noise XX pattern carried by three
// commands:
//
//	CONNECT          -> e                 (channel count, user data, bandwidth)
//	VERIFY_CONNECT   <- e, ee, s, es      (clamped channel count, bandwidth)
//	CONFIRM_CONNECT  -> s, se
//
// The client reports EventConnect when VERIFY_CONNECT arrives; the server when
// CONFIRM_CONNECT arrives. Every later datagram is sealed with
// ChaCha20-Poly1305 using an explicit 64-bit nonce, so loss and reordering do
// not desynchronize the session. A sliding window rejects replays.
//
// # Delivery
//
// Each connection has up to 255 channels plus an internal system channel for
// PING and DISCONNECT. Packets are sent in one of three modes:
//
//	FlagReliable     retransmitted until acknowledged, delivered in order
//	(no flag)        unreliable, stale packets dropped
//	FlagUnsequenced  unreliable, delivered as received
//
// Retransmission timeouts follow a smoothed round-trip estimate and double on
// every attempt. A connection is dropped once the remote has been silent for
// the configured timeout.
//
// # Events
//
//	var ev transport.Event
//	for host.Service(&ev, 10*time.Millisecond) > 0 {
//	    switch ev.Type {
//	    case transport.EventConnect:
//	    case transport.EventReceive:
//	    case transport.EventDisconnect:
//	        // ev.Peer is already free for reuse
//	    }
//	}
//
// A Disconnect event frees its slot as it is returned. Attached data
// (Peer.SetData) survives this reset and must be released by the caller.
package transport
