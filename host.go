package peerhost

import (
	"fmt"
	"iter"
	"net/netip"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/peerhost/crypto"
	"github.com/opd-ai/peerhost/limits"
	"github.com/opd-ai/peerhost/transport"
)

// engine is the transport surface a Host drives. *transport.Host implements it.
type engine interface {
	Service(ev *transport.Event, timeout time.Duration) int
	CheckEvents(ev *transport.Event) int
	Flush()
	SetBandwidthLimit(incoming, outgoing uint32)
	IncomingBandwidth() uint32
	OutgoingBandwidth() uint32
	SetChannelLimit(limit int)
	ChannelLimit() int
	Address() netip.AddrPort
	PeerCount() int
	Peers() []transport.Peer
	Connect(addr netip.AddrPort, channelCount int, data uint32) *transport.Peer
	Destroy() error
}

// Host is an endpoint with a fixed table of peer slots, each of which may
// carry a payload of type T. A Host is not safe for concurrent use.
//
// A payload attached to a peer is cleared by the host at the start of the
// poll following that peer's DisconnectEvent, before the slot can be handed
// to a new connection.
type Host[T any] struct {
	native  engine
	views   []Peer[T]
	metrics *hostMetrics
	logger  *logrus.Entry

	pendingCleanup *PeerID
	destroyed      bool
}

// NewServerHost creates a host listening on address.
func NewServerHost[T any](lib *Library, address Address, opts *HostOptions) (*Host[T], error) {
	if !address.IsValid() {
		return nil, &HostError{Op: "create", Err: ErrInvalidAddress}
	}
	return createHost[T](lib, address, opts)
}

// NewClientHost creates a host bound to an ephemeral local port. A client
// usually needs a single peer slot.
func NewClientHost[T any](lib *Library, opts *HostOptions) (*Host[T], error) {
	return createHost[T](lib, Address{}, opts)
}

func createHost[T any](lib *Library, address Address, opts *HostOptions) (*Host[T], error) {
	if err := lib.check(); err != nil {
		return nil, &HostError{Op: "create", Addr: address.String(), Err: err}
	}
	if opts == nil {
		opts = NewHostOptions()
	}
	cfg, err := opts.transportConfig(address)
	if err != nil {
		return nil, &HostError{Op: "create", Addr: address.String(), Err: err}
	}
	native, err := transport.Create(cfg)
	if cfg.StaticKey != nil {
		crypto.WipeKeyPair(cfg.StaticKey)
	}
	if err != nil {
		return nil, &HostError{Op: "create", Addr: address.String(), Err: err}
	}

	h, err := newHost[T](native, opts)
	if err != nil {
		return nil, multierr.Append(&HostError{Op: "create", Addr: address.String(), Err: err}, native.Destroy())
	}
	return h, nil
}

func newHost[T any](native engine, opts *HostOptions) (*Host[T], error) {
	address := AddressFromNative(native.Address())
	metrics, err := newHostMetrics(opts.Registerer, address.String())
	if err != nil {
		return nil, err
	}

	peers := native.Peers()
	h := &Host[T]{
		native:  native,
		views:   make([]Peer[T], len(peers)),
		metrics: metrics,
		logger: logrus.WithFields(logrus.Fields{
			"component": "Host",
			"address":   address.String(),
		}),
	}
	for i := range peers {
		h.views[i].native = &peers[i]
	}

	h.logger.WithField("peer_count", len(peers)).Info("Host ready")
	return h, nil
}

// Service sends and receives traffic and returns the next event, waiting up
// to timeout for one. It returns (nil, nil) when no event occurred. A
// timeout below one millisecond never blocks.
func (h *Host[T]) Service(timeout time.Duration) (*Event, error) {
	return h.poll(timeout, true)
}

// CheckEvents returns an event that is already available without waiting
// and without sending, or (nil, nil).
func (h *Host[T]) CheckEvents() (*Event, error) {
	return h.poll(0, false)
}

func (h *Host[T]) poll(timeout time.Duration, service bool) (*Event, error) {
	if h.destroyed {
		return nil, ErrHostDestroyed
	}

	h.runPendingCleanup()

	var native transport.Event
	var code int
	if service {
		code = h.native.Service(&native, timeout)
	} else {
		code = h.native.CheckEvents(&native)
	}

	switch {
	case code < 0:
		h.metrics.pollErrors.Inc()
		h.logger.WithFields(logrus.Fields{
			"function": "poll",
			"code":     code,
		}).Error("Poll failed")
		return nil, &Error{Code: code}
	case code == 0:
		return nil, nil
	}

	ev := h.translate(&native)
	if ev == nil {
		return nil, nil
	}
	if _, ok := ev.Kind.(DisconnectEvent); ok {
		id := ev.PeerID
		h.pendingCleanup = &id
	}

	h.metrics.observe(ev)
	if _, ok := ev.Kind.(ReceiveEvent); !ok {
		h.metrics.connectedPeers.Set(float64(h.connectedCount()))
		h.logger.WithFields(logrus.Fields{
			"function": "poll",
			"peer_id":  ev.PeerID,
		}).Debug(ev.Kind)
	}
	return ev, nil
}

// runPendingCleanup clears the payload of the peer whose DisconnectEvent was
// returned last. It must run before the transport may reuse that slot, which
// happens only inside a poll or Connect.
func (h *Host[T]) runPendingCleanup() {
	if h.pendingCleanup == nil {
		return
	}
	h.views[*h.pendingCleanup].SetData(nil)
	h.pendingCleanup = nil
}

func (h *Host[T]) translate(native *transport.Event) *Event {
	if native.Peer == nil {
		return nil
	}
	id := h.peerIDOf(native.Peer)

	switch native.Type {
	case transport.EventConnect:
		return &Event{PeerID: id, Kind: ConnectEvent{
			ChannelCount: native.Peer.ChannelCount(),
			Data:         native.Data,
		}}
	case transport.EventReceive:
		return &Event{PeerID: id, Kind: ReceiveEvent{
			ChannelID: native.ChannelID,
			Packet:    packetFromNative(native.Packet),
		}}
	case transport.EventDisconnect:
		return &Event{PeerID: id, Kind: DisconnectEvent{Reason: native.Data}}
	default:
		return nil
	}
}

// peerIDOf maps a native peer back to its table index from its offset in
// the contiguous table.
func (h *Host[T]) peerIDOf(p *transport.Peer) PeerID {
	peers := h.native.Peers()
	size := unsafe.Sizeof(transport.Peer{})
	offset := uintptr(unsafe.Pointer(p)) - uintptr(unsafe.Pointer(unsafe.SliceData(peers)))
	id := offset / size
	if offset%size != 0 || id >= uintptr(len(peers)) {
		panic("peerhost: peer does not belong to this host")
	}
	return PeerID(id)
}

func (h *Host[T]) connectedCount() int {
	n := 0
	for i := range h.views {
		switch h.views[i].State() {
		case PeerConnected, PeerDisconnectLater, PeerDisconnecting:
			n++
		}
	}
	return n
}

// Flush sends queued packets without waiting for the next Service call.
func (h *Host[T]) Flush() {
	if h.destroyed {
		return
	}
	h.native.Flush()
}

// Connect starts a connection to address with channelCount channels. It
// does not wait: the returned peer is Connecting, and a ConnectEvent or
// DisconnectEvent for its PeerID follows. If no slot can be allocated the
// error is an *Error with Code 0.
func (h *Host[T]) Connect(address Address, channelCount int, data uint32) (*Peer[T], PeerID, error) {
	if h.destroyed {
		return nil, 0, ErrHostDestroyed
	}

	logger := h.logger.WithFields(logrus.Fields{
		"function":      "Connect",
		"remote_addr":   address.String(),
		"channel_count": channelCount,
	})

	if err := limits.ValidateChannelCount(channelCount); err != nil {
		logger.WithError(err).Warn("Rejected connect")
		h.metrics.connectFailures.Inc()
		return nil, 0, &Error{Code: 0}
	}
	h.runPendingCleanup()
	np := h.native.Connect(address.toNative(), channelCount, data)
	if np == nil {
		logger.Warn("No peer available for connect")
		h.metrics.connectFailures.Inc()
		return nil, 0, &Error{Code: 0}
	}

	id := h.peerIDOf(np)
	logger.WithField("peer_id", id).Debug("Connecting")
	return &h.views[id], id, nil
}

// Peer returns the peer with the given id, or false if id is out of range.
func (h *Host[T]) Peer(id PeerID) (*Peer[T], bool) {
	if id >= PeerID(len(h.views)) {
		return nil, false
	}
	return &h.views[id], true
}

// MustPeer is like Peer but panics if id is out of range, which is always a
// caller bug.
func (h *Host[T]) MustPeer(id PeerID) *Peer[T] {
	p, ok := h.Peer(id)
	if !ok {
		panic(fmt.Sprintf("peerhost: peer id %d out of range [0, %d)", id, len(h.views)))
	}
	return p
}

// Peers iterates over every slot of the table, connected or not.
func (h *Host[T]) Peers() iter.Seq2[PeerID, *Peer[T]] {
	return func(yield func(PeerID, *Peer[T]) bool) {
		for i := range h.views {
			if !yield(PeerID(i), &h.views[i]) {
				return
			}
		}
	}
}

// PeerCount returns the size of the peer table.
func (h *Host[T]) PeerCount() int { return len(h.views) }

// Address returns the bound local address.
func (h *Host[T]) Address() Address { return AddressFromNative(h.native.Address()) }

// SetBandwidthLimits sets the host's incoming and outgoing bandwidth.
func (h *Host[T]) SetBandwidthLimits(incoming, outgoing BandwidthLimit) {
	h.native.SetBandwidthLimit(incoming.toNative(), outgoing.toNative())
}

// IncomingBandwidth returns the incoming bandwidth limit.
func (h *Host[T]) IncomingBandwidth() BandwidthLimit {
	return bandwidthFromNative(h.native.IncomingBandwidth())
}

// OutgoingBandwidth returns the outgoing bandwidth limit.
func (h *Host[T]) OutgoingBandwidth() BandwidthLimit {
	return bandwidthFromNative(h.native.OutgoingBandwidth())
}

// SetChannelLimit limits the channels of connections established after the
// call. Existing connections are not affected.
func (h *Host[T]) SetChannelLimit(limit ChannelLimit) {
	h.native.SetChannelLimit(limit.toNative())
}

// ChannelLimit returns the current channel limit.
func (h *Host[T]) ChannelLimit() ChannelLimit {
	return channelLimitFromNative(h.native.ChannelLimit())
}

// Destroy clears every peer payload and then releases the transport. Peers
// obtained from the host must not be used afterwards.
func (h *Host[T]) Destroy() error {
	if h.destroyed {
		return nil
	}
	for i := range h.views {
		h.views[i].SetData(nil)
	}
	h.pendingCleanup = nil
	h.destroyed = true

	var err error
	if nerr := h.native.Destroy(); nerr != nil {
		err = multierr.Append(err, &HostError{Op: "destroy", Addr: h.Address().String(), Err: nerr})
	}
	err = multierr.Append(err, h.metrics.unregister())

	h.logger.Info("Host destroyed")
	return err
}
