package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"

	"github.com/opd-ai/peerhost/limits"
)

// commandType identifies one protocol command inside a datagram.
type commandType byte

const (
	cmdAcknowledge commandType = iota + 1
	cmdConnect
	cmdVerifyConnect
	cmdConfirmConnect
	cmdDisconnect
	cmdPing
	cmdSendReliable
	cmdSendUnreliable
	cmdSendUnsequenced
)

const (
	// noPeerID addresses a datagram to no slot; only CONNECT uses it.
	noPeerID uint16 = 0xFFFF

	// systemChannel carries PING and DISCONNECT, sequenced apart from user channels.
	systemChannel uint8 = 0xFF

	// flagSealed marks a datagram whose body is encrypted with the peer session.
	flagSealed uint8 = 0x01
)

var (
	errDatagramTooShort = errors.New("datagram too short")
	errCommandTruncated = errors.New("command truncated")
	errUnknownCommand   = errors.New("unknown command")
)

func (c commandType) String() string {
	switch c {
	case cmdAcknowledge:
		return "ACK"
	case cmdConnect:
		return "CONNECT"
	case cmdVerifyConnect:
		return "VERIFY_CONNECT"
	case cmdConfirmConnect:
		return "CONFIRM_CONNECT"
	case cmdDisconnect:
		return "DISCONNECT"
	case cmdPing:
		return "PING"
	case cmdSendReliable:
		return "SEND_RELIABLE"
	case cmdSendUnreliable:
		return "SEND_UNRELIABLE"
	case cmdSendUnsequenced:
		return "SEND_UNSEQUENCED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(c))
	}
}

// isReliable reports whether the command must be acknowledged. A DISCONNECT
// with sequence zero is the unreliable notice sent by DisconnectNow.
func (c *command) isReliable() bool {
	switch c.Type {
	case cmdSendReliable, cmdPing:
		return true
	case cmdDisconnect:
		return c.Sequence != 0
	default:
		return false
	}
}

// datagramHeader precedes every datagram.
//
// Format: [peer id (2 bytes)][flags (1 byte)][nonce (8 bytes)]
type datagramHeader struct {
	PeerID uint16
	Flags  uint8
	Nonce  uint64
}

const headerSize = limits.DatagramHeaderSize

func (h datagramHeader) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, h.PeerID)
	buf = append(buf, h.Flags)
	return binary.BigEndian.AppendUint64(buf, h.Nonce)
}

func parseHeader(data []byte) (datagramHeader, []byte, error) {
	if len(data) < headerSize {
		return datagramHeader{}, nil, errDatagramTooShort
	}
	h := datagramHeader{
		PeerID: binary.BigEndian.Uint16(data[0:2]),
		Flags:  data[2],
		Nonce:  binary.BigEndian.Uint64(data[3:11]),
	}
	return h, data[headerSize:], nil
}

// command is one protocol command.
//
// Format: [type][channel][sequence (uvarint)][sent time (2 bytes)][length (uvarint)][data]
type command struct {
	Type      commandType
	ChannelID uint8
	Sequence  uint64
	SentTime  uint16
	Data      []byte
}

func (c *command) encodedLen() int {
	return 2 + varint.UvarintSize(c.Sequence) + 2 + varint.UvarintSize(uint64(len(c.Data))) + len(c.Data)
}

func (c *command) appendTo(buf []byte) []byte {
	buf = append(buf, byte(c.Type), c.ChannelID)
	buf = append(buf, varint.ToUvarint(c.Sequence)...)
	buf = binary.BigEndian.AppendUint16(buf, c.SentTime)
	buf = append(buf, varint.ToUvarint(uint64(len(c.Data)))...)
	return append(buf, c.Data...)
}

// parseCommands decodes every command in a datagram body. Command data is
// copied so the receive buffer can be reused.
func parseCommands(body []byte) ([]command, error) {
	var cmds []command
	for len(body) > 0 {
		if len(body) < 2 {
			return nil, errCommandTruncated
		}
		c := command{Type: commandType(body[0]), ChannelID: body[1]}
		if c.Type < cmdAcknowledge || c.Type > cmdSendUnsequenced {
			return nil, fmt.Errorf("%w: %d", errUnknownCommand, body[0])
		}
		body = body[2:]

		seq, n, err := varint.FromUvarint(body)
		if err != nil {
			return nil, fmt.Errorf("sequence: %w", err)
		}
		c.Sequence = seq
		body = body[n:]

		if len(body) < 2 {
			return nil, errCommandTruncated
		}
		c.SentTime = binary.BigEndian.Uint16(body)
		body = body[2:]

		length, n, err := varint.FromUvarint(body)
		if err != nil {
			return nil, fmt.Errorf("length: %w", err)
		}
		body = body[n:]
		if length > uint64(len(body)) {
			return nil, errCommandTruncated
		}
		c.Data = append([]byte(nil), body[:length]...)
		body = body[length:]

		cmds = append(cmds, c)
	}
	return cmds, nil
}

// handshakeFrame is the data of CONNECT, VERIFY_CONNECT and CONFIRM_CONNECT.
//
// Format: [sender slot (2 bytes)][connect id (4 bytes)][noise message]
type handshakeFrame struct {
	PeerID    uint16
	ConnectID uint32
	Message   []byte
}

func (f handshakeFrame) encode() []byte {
	buf := make([]byte, 0, 6+len(f.Message))
	buf = binary.BigEndian.AppendUint16(buf, f.PeerID)
	buf = binary.BigEndian.AppendUint32(buf, f.ConnectID)
	return append(buf, f.Message...)
}

func parseHandshakeFrame(data []byte) (handshakeFrame, error) {
	if len(data) < 6 {
		return handshakeFrame{}, errCommandTruncated
	}
	return handshakeFrame{
		PeerID:    binary.BigEndian.Uint16(data[0:2]),
		ConnectID: binary.BigEndian.Uint32(data[2:6]),
		Message:   data[6:],
	}, nil
}

// connectParams travel inside the handshake payloads.
//
// Format: [channel count (1 byte)][user data (4 bytes)][incoming bw (4 bytes)][outgoing bw (4 bytes)]
type connectParams struct {
	ChannelCount      int
	Data              uint32
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
}

const connectParamsSize = 13

func (p connectParams) encode() []byte {
	buf := make([]byte, 0, connectParamsSize)
	buf = append(buf, byte(p.ChannelCount))
	buf = binary.BigEndian.AppendUint32(buf, p.Data)
	buf = binary.BigEndian.AppendUint32(buf, p.IncomingBandwidth)
	return binary.BigEndian.AppendUint32(buf, p.OutgoingBandwidth)
}

func parseConnectParams(data []byte) (connectParams, error) {
	if len(data) < connectParamsSize {
		return connectParams{}, errCommandTruncated
	}
	return connectParams{
		ChannelCount:      int(data[0]),
		Data:              binary.BigEndian.Uint32(data[1:5]),
		IncomingBandwidth: binary.BigEndian.Uint32(data[5:9]),
		OutgoingBandwidth: binary.BigEndian.Uint32(data[9:13]),
	}, nil
}

func encodeReason(reason uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, reason)
}

func parseReason(data []byte) uint32 {
	if len(data) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(data)
}
