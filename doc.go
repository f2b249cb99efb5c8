// Package peerhost manages the peer table of a reliable-UDP host.
//
// A Host owns a fixed number of peer slots. Each slot is identified by a
// PeerID and may carry an application payload of the host's type parameter.
// Events are obtained by polling; there are no callbacks and no goroutines
// visible to the caller.
//
// # Getting Started
//
//	lib, err := peerhost.Initialize()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer lib.Close()
//
//	addr, _ := peerhost.ParseAddress("0.0.0.0:7777")
//	opts := peerhost.NewHostOptions()
//	opts.PeerCount = 8
//
//	host, err := peerhost.NewServerHost[Session](lib, addr, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Destroy()
//
//	for {
//	    ev, err := host.Service(10 * time.Millisecond)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if ev == nil {
//	        continue
//	    }
//	    peer := host.MustPeer(ev.PeerID)
//	    switch kind := ev.Kind.(type) {
//	    case peerhost.ConnectEvent:
//	        peer.SetData(&Session{})
//	    case peerhost.ReceiveEvent:
//	        peer.Data().Handle(kind.Packet.Data)
//	    case peerhost.DisconnectEvent:
//	        peer.Data().Close()
//	    }
//	}
//
// # Peer Data Lifetime
//
// The transport may reuse a slot for a new connection as soon as the
// DisconnectEvent of its previous occupant has been returned. The payload of
// that peer is therefore still readable while the DisconnectEvent is handled
// and is cleared at the start of the next Service, CheckEvents or Connect
// call, before any slot can be reused. Reset and DisconnectNow generate no
// DisconnectEvent and clear the payload immediately.
//
// # Peer IDs
//
// A PeerID is an index into the host's table and is always less than
// PeerCount. Peer returns false for an out-of-range id; MustPeer panics,
// since such an id can only come from another host or a bug. PeerIDs are
// reused once a slot is free again.
//
// # Configuration
//
// HostOptions carries peer count, channel and bandwidth limits, keep-alive
// and timeout settings. Options can be loaded from YAML:
//
//	bind_address: 0.0.0.0:7777
//	peer_count: 64
//	channel_limit: 4
//	outgoing_bandwidth: 65536
//	ping_interval: 500ms
//	log_level: debug
//
// When HostOptions.Registerer is set, each host registers Prometheus
// collectors labelled with its bound address.
//
// # Thread Safety
//
// A Host is not safe for concurrent use. Serialize access externally, for
// example by owning the host from a single goroutine.
package peerhost
