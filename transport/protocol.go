package transport

import (
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/peerhost/limits"
)

// handleDatagram routes one received datagram. Malformed or unexpected
// datagrams are dropped without affecting any connection.
func (h *Host) handleDatagram(dg datagram) {
	hdr, body, err := parseHeader(dg.data)
	if err != nil {
		h.drop(dg, err, "Dropped malformed datagram")
		return
	}

	if hdr.Flags&flagSealed != 0 {
		h.handleSealed(hdr, dg)
		return
	}

	cmds, err := parseCommands(body)
	if err != nil || len(cmds) != 1 {
		h.drop(dg, err, "Dropped malformed handshake datagram")
		return
	}
	cmd := cmds[0]
	frame, err := parseHandshakeFrame(cmd.Data)
	if err != nil {
		h.drop(dg, err, "Dropped malformed handshake frame")
		return
	}

	switch cmd.Type {
	case cmdConnect:
		if hdr.PeerID != noPeerID {
			h.drop(dg, nil, "Dropped CONNECT addressed to a slot")
			return
		}
		h.handleConnect(dg.from, frame)
	case cmdVerifyConnect:
		if p := h.peerFor(hdr.PeerID, dg.from); p != nil {
			h.handleVerifyConnect(p, frame)
		}
	case cmdConfirmConnect:
		if p := h.peerFor(hdr.PeerID, dg.from); p != nil {
			h.handleConfirmConnect(p, frame)
		}
	default:
		h.drop(dg, nil, "Dropped unsealed "+cmd.Type.String())
	}
}

func (h *Host) drop(dg datagram, err error, msg string) {
	entry := logrus.WithFields(logrus.Fields{
		"component":   "Host",
		"host_id":     h.id,
		"remote_addr": dg.from.String(),
		"size":        len(dg.data),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug(msg)
}

// peerFor finds the live slot a datagram is addressed to.
func (h *Host) peerFor(id uint16, from netip.AddrPort) *Peer {
	if int(id) >= len(h.peers) {
		return nil
	}
	p := &h.peers[id]
	if p.state == StateDisconnected || p.address != from {
		return nil
	}
	return p
}

func (h *Host) handleConnect(from netip.AddrPort, frame handshakeFrame) {
	logger := logrus.WithFields(logrus.Fields{
		"component":   "Host",
		"function":    "handleConnect",
		"host_id":     h.id,
		"remote_addr": from.String(),
	})

	if h.recentlyClosed.Contains(connectKey{addr: from, connectID: frame.ConnectID}) {
		logger.Debug("Ignored CONNECT for a closed connection")
		return
	}
	for i := range h.peers {
		p := &h.peers[i]
		if p.state == StateDisconnected || p.address != from || p.connectID != frame.ConnectID {
			continue
		}
		if p.state == StateAcknowledgingConnect {
			// VERIFY_CONNECT was lost
			if err := h.sendRaw(from, p.handshakeFrame); err != nil {
				logger.WithError(err).Debug("Failed to resend VERIFY_CONNECT")
			}
		}
		return
	}

	p := h.freeSlot()
	if p == nil {
		logger.Warn("No free peer slot for incoming connection")
		return
	}

	hs, err := newXXHandshake(h.staticKey, responder)
	if err != nil {
		logger.WithError(err).Error("Failed to start handshake")
		return
	}
	payload, err := hs.readMessage(frame.Message)
	if err != nil {
		logger.WithError(err).Debug("Rejected CONNECT")
		return
	}
	params, err := parseConnectParams(payload)
	if err != nil {
		logger.WithError(err).Debug("Rejected CONNECT")
		return
	}
	if err := limits.ValidateChannelCount(params.ChannelCount); err != nil {
		logger.WithError(err).Debug("Rejected CONNECT")
		return
	}
	channelCount := limits.ClampChannelCount(params.ChannelCount, h.channelLimit)

	reply, err := hs.writeMessage(connectParams{
		ChannelCount:      channelCount,
		Data:              params.Data,
		IncomingBandwidth: h.incomingBandwidth,
		OutgoingBandwidth: h.outgoingBandwidth,
	}.encode())
	if err != nil {
		logger.WithError(err).Error("Failed to write handshake")
		return
	}

	now := h.clock.Now()
	p.state = StateAcknowledgingConnect
	p.address = from
	p.outgoingPeerID = frame.PeerID
	p.connectID = frame.ConnectID
	p.connectData = params.Data
	p.incomingBandwidth = params.IncomingBandwidth
	p.outgoingBandwidth = params.OutgoingBandwidth
	p.setupChannels(channelCount)
	p.handshake = hs
	p.handshakeFrame = handshakeDatagram(frame.PeerID, cmdVerifyConnect, handshakeFrame{
		PeerID:    p.index,
		ConnectID: frame.ConnectID,
		Message:   reply,
	})
	p.handshakeStarted = now
	p.handshakeNext = now
	p.handshakeTimeout = p.retransmitTimeout()
	p.lastReceiveTime = now

	logger.WithFields(logrus.Fields{
		"peer_id":       p.index,
		"channel_count": channelCount,
	}).Debug("Accepted CONNECT")

	h.serviceHandshake(p, now)
}

func (h *Host) handleVerifyConnect(p *Peer, frame handshakeFrame) {
	if frame.ConnectID != p.connectID {
		return
	}
	switch p.state {
	case StateConnecting:
	case StateConnected, StateDisconnectLater, StateDisconnecting:
		// CONFIRM_CONNECT was lost
		if p.handshakeFrame != nil {
			if err := h.sendRaw(p.address, p.handshakeFrame); err != nil {
				p.logger().WithError(err).Debug("Failed to resend CONFIRM_CONNECT")
			}
		}
		return
	default:
		return
	}

	logger := p.logger().WithField("function", "handleVerifyConnect")

	payload, err := p.handshake.readMessage(frame.Message)
	if err != nil {
		logger.WithError(err).Warn("Rejected VERIFY_CONNECT")
		return
	}
	params, err := parseConnectParams(payload)
	if err != nil || params.ChannelCount < limits.MinChannelCount || params.ChannelCount > len(p.channels) {
		logger.WithField("channel_count", params.ChannelCount).Warn("Rejected VERIFY_CONNECT")
		h.zombify(p, 0)
		return
	}
	confirm, err := p.handshake.writeMessage(nil)
	if err != nil {
		logger.WithError(err).Error("Failed to write handshake")
		h.zombify(p, 0)
		return
	}
	sess, err := p.handshake.session()
	if err != nil {
		logger.WithError(err).Error("Failed to derive session")
		h.zombify(p, 0)
		return
	}

	p.channels = p.channels[:params.ChannelCount]
	p.outgoingPeerID = frame.PeerID
	p.incomingBandwidth = params.IncomingBandwidth
	p.outgoingBandwidth = params.OutgoingBandwidth
	p.session = sess
	p.remoteKey = p.handshake.remoteStatic()
	p.handshake = nil
	p.handshakeFrame = handshakeDatagram(p.outgoingPeerID, cmdConfirmConnect, handshakeFrame{
		PeerID:    p.index,
		ConnectID: p.connectID,
		Message:   confirm,
	})
	if err := h.sendRaw(p.address, p.handshakeFrame); err != nil {
		logger.WithError(err).Debug("Failed to send CONFIRM_CONNECT")
	}

	h.establish(p)
}

func (h *Host) handleConfirmConnect(p *Peer, frame handshakeFrame) {
	if p.state != StateAcknowledgingConnect || frame.ConnectID != p.connectID || frame.PeerID != p.outgoingPeerID {
		return
	}

	logger := p.logger().WithField("function", "handleConfirmConnect")
	if _, err := p.handshake.readMessage(frame.Message); err != nil {
		logger.WithError(err).Warn("Rejected CONFIRM_CONNECT")
		return
	}
	sess, err := p.handshake.session()
	if err != nil {
		logger.WithError(err).Error("Failed to derive session")
		h.resetPeer(p)
		return
	}

	p.session = sess
	p.remoteKey = p.handshake.remoteStatic()
	p.handshake = nil
	p.handshakeFrame = nil

	h.establish(p)
}

func (h *Host) establish(p *Peer) {
	now := h.clock.Now()
	p.state = StateConnected
	p.lastReceiveTime = now
	p.lastSendTime = now
	h.queueEvent(Event{Type: EventConnect, Peer: p, Data: p.connectData})

	p.logger().WithField("channel_count", len(p.channels)).Info("Peer connected")
}

func (h *Host) handleSealed(hdr datagramHeader, dg datagram) {
	p := h.peerFor(hdr.PeerID, dg.from)
	if p == nil || !p.hasSession() {
		h.drop(dg, nil, "Dropped sealed datagram for unknown peer")
		return
	}
	body, err := p.session.open(hdr, dg.data)
	if err != nil {
		h.drop(dg, err, "Dropped unauthenticated datagram")
		return
	}
	cmds, err := parseCommands(body)
	if err != nil {
		h.drop(dg, err, "Dropped malformed datagram")
		return
	}

	now := h.clock.Now()
	p.lastReceiveTime = now
	for i := range cmds {
		h.handleCommand(p, &cmds[i], now)
		if !p.hasSession() {
			break
		}
	}
}

func (h *Host) handleCommand(p *Peer, c *command, now time.Time) {
	switch c.Type {
	case cmdAcknowledge:
		h.handleAcknowledge(p, c, now)
	case cmdSendReliable, cmdPing:
		h.handleReliable(p, c)
	case cmdDisconnect:
		if c.isReliable() {
			h.handleReliable(p, c)
			return
		}
		h.zombify(p, parseReason(c.Data))
	case cmdSendUnreliable:
		ch := p.channelFor(c.ChannelID)
		if ch == nil || c.ChannelID == systemChannel || c.Sequence <= ch.incomingUnreliableSeq {
			return
		}
		ch.incomingUnreliableSeq = c.Sequence
		h.queueReceive(p, c, 0)
	case cmdSendUnsequenced:
		if p.channelFor(c.ChannelID) == nil || c.ChannelID == systemChannel {
			return
		}
		h.queueReceive(p, c, FlagUnsequenced)
	}
}

// handleReliable acknowledges and delivers reliable commands in sequence
// order, buffering those that arrive early.
func (h *Host) handleReliable(p *Peer, c *command) {
	ch := p.channelFor(c.ChannelID)
	if ch == nil {
		return
	}
	if (c.Type == cmdSendReliable) == (c.ChannelID == systemChannel) {
		return
	}

	expected := ch.incomingReliableSeq + 1
	if c.Sequence < expected {
		p.acks = append(p.acks, ackFor(c))
		return
	}
	if c.Sequence-expected >= maxReliableWindow {
		return
	}
	p.acks = append(p.acks, ackFor(c))

	if c.Sequence > expected {
		if ch.pending == nil {
			ch.pending = make(map[uint64]command)
		}
		ch.pending[c.Sequence] = *c
		return
	}

	h.deliverReliable(p, ch, *c)
	for p.hasSession() {
		next, ok := ch.pending[ch.incomingReliableSeq+1]
		if !ok {
			break
		}
		delete(ch.pending, next.Sequence)
		h.deliverReliable(p, ch, next)
	}
}

func (h *Host) deliverReliable(p *Peer, ch *channel, c command) {
	ch.incomingReliableSeq = c.Sequence
	switch c.Type {
	case cmdSendReliable:
		h.queueReceive(p, &c, FlagReliable)
	case cmdDisconnect:
		// the remote stops retransmitting once this is acknowledged
		if err := h.flushAcks(p); err != nil {
			p.logger().WithError(err).Debug("Failed to acknowledge DISCONNECT")
		}
		h.zombify(p, parseReason(c.Data))
	}
}

func ackFor(c *command) command {
	return command{
		Type:      cmdAcknowledge,
		ChannelID: c.ChannelID,
		Sequence:  c.Sequence,
		SentTime:  c.SentTime,
	}
}

func (h *Host) queueReceive(p *Peer, c *command, flags PacketFlag) {
	h.queueEvent(Event{
		Type:      EventReceive,
		Peer:      p,
		ChannelID: c.ChannelID,
		Packet:    &Packet{Data: c.Data, Flags: flags},
	})
}

func (h *Host) handleAcknowledge(p *Peer, c *command, now time.Time) {
	for i, oc := range p.sentReliable {
		if oc.cmd.ChannelID != c.ChannelID || oc.cmd.Sequence != c.Sequence {
			continue
		}
		sample := time.Duration(h.timestamp(now)-c.SentTime) * time.Millisecond
		p.updateRoundTrip(sample)
		p.sentReliable = append(p.sentReliable[:i], p.sentReliable[i+1:]...)
		p.earliestTimeout = time.Time{}

		if oc.cmd.Type == cmdDisconnect && p.state == StateDisconnecting {
			h.zombify(p, p.eventData)
		}
		return
	}
}

// sendOutgoing handles handshake resends, timeouts, retransmissions and
// queued commands for every peer.
func (h *Host) sendOutgoing() {
	now := h.clock.Now()
	for i := range h.peers {
		p := &h.peers[i]
		switch p.state {
		case StateConnecting, StateAcknowledgingConnect:
			h.serviceHandshake(p, now)
		case StateConnected, StateDisconnectLater, StateDisconnecting:
			if p.session != nil {
				h.servicePeer(p, now)
			}
		}
	}
}

func (h *Host) serviceHandshake(p *Peer, now time.Time) {
	if now.Before(p.handshakeNext) {
		return
	}

	elapsed := now.Sub(p.handshakeStarted)
	if p.handshakeAttempts > 0 && (elapsed >= p.timeoutMaximum ||
		(p.handshakeAttempts >= p.timeoutLimit && elapsed >= p.timeoutMinimum)) {
		p.logger().WithField("attempts", p.handshakeAttempts).Info("Handshake timed out")
		if p.state == StateConnecting {
			h.zombify(p, 0)
		} else {
			h.resetPeer(p)
		}
		return
	}

	if err := h.sendRaw(p.address, p.handshakeFrame); err != nil {
		p.logger().WithError(err).Debug("Failed to send handshake")
	}
	p.handshakeAttempts++
	p.handshakeNext = now.Add(p.handshakeTimeout)
	p.handshakeTimeout *= 2
}

func (h *Host) servicePeer(p *Peer, now time.Time) {
	resend, timedOut := h.checkTimeouts(p, now)
	if timedOut {
		return
	}

	if p.state == StateConnected && len(p.sentReliable) == 0 && len(p.outgoing) == 0 &&
		now.Sub(p.lastReceiveTime) >= p.pingInterval {
		p.queueSystem(cmdPing, nil)
	}

	cmds := make([]command, 0, len(p.acks)+len(resend)+len(p.outgoing))
	cmds = append(cmds, p.acks...)
	p.acks = nil
	cmds = append(cmds, resend...)

	sent := 0
	for ; sent < len(p.outgoing); sent++ {
		c := p.outgoing[sent]
		if c.ChannelID != systemChannel && !h.throttle.allow(now, len(c.Data)) {
			break
		}
		if c.isReliable() {
			c.SentTime = h.timestamp(now)
			rtTimeout := p.retransmitTimeout()
			p.sentReliable = append(p.sentReliable, &outgoingCommand{
				cmd:            c,
				sentTime:       now,
				rtTimeout:      rtTimeout,
				rtTimeoutLimit: time.Duration(p.timeoutLimit) * rtTimeout,
				sendAttempts:   1,
			})
		}
		cmds = append(cmds, c)
	}
	p.outgoing = append([]command(nil), p.outgoing[sent:]...)

	if len(cmds) > 0 {
		if err := h.sendCommands(p, cmds); err != nil {
			p.logger().WithError(err).Debug("Failed to send commands")
		}
		p.lastSendTime = now
	}

	if p.state == StateDisconnectLater && len(p.outgoing) == 0 && len(p.sentReliable) == 0 {
		p.Disconnect(p.eventData)
	}
}

// checkTimeouts collects reliable commands due for retransmission, or drops
// the connection if the remote has been silent for too long.
func (h *Host) checkTimeouts(p *Peer, now time.Time) ([]command, bool) {
	var resend []command
	for _, oc := range p.sentReliable {
		if now.Sub(oc.sentTime) < oc.rtTimeout {
			continue
		}
		if p.earliestTimeout.IsZero() || oc.sentTime.Before(p.earliestTimeout) {
			p.earliestTimeout = oc.sentTime
		}
		elapsed := now.Sub(p.earliestTimeout)
		if elapsed >= p.timeoutMaximum || (oc.rtTimeout >= oc.rtTimeoutLimit && elapsed >= p.timeoutMinimum) {
			p.logger().WithField("attempts", oc.sendAttempts).Info("Connection timed out")
			h.zombify(p, 0)
			return nil, true
		}

		oc.rtTimeout *= 2
		oc.sentTime = now
		oc.sendAttempts++
		oc.cmd.SentTime = h.timestamp(now)
		resend = append(resend, oc.cmd)
	}
	return resend, false
}

// sendCommands packs commands into sealed datagrams no larger than the MTU.
func (h *Host) sendCommands(p *Peer, cmds []command) error {
	maxBody := limits.DefaultMTU - headerSize - limits.SealOverhead

	var err error
	var body []byte
	for i := range cmds {
		c := &cmds[i]
		if len(body) > 0 && len(body)+c.encodedLen() > maxBody {
			err = multierr.Append(err, h.sendSealed(p, body))
			body = nil
		}
		body = c.appendTo(body)
	}
	if len(body) > 0 {
		err = multierr.Append(err, h.sendSealed(p, body))
	}
	return err
}

func (h *Host) sendSealed(p *Peer, body []byte) error {
	return h.sendRaw(p.address, p.session.seal(datagramHeader{PeerID: p.outgoingPeerID}, body))
}

func (h *Host) flushAcks(p *Peer) error {
	if len(p.acks) == 0 {
		return nil
	}
	acks := p.acks
	p.acks = nil
	return h.sendCommands(p, acks)
}
