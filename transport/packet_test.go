package transport

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDatagramHeader tests header encoding and parsing.
func TestDatagramHeader(t *testing.T) {
	hdr := datagramHeader{PeerID: 0x0102, Flags: flagSealed, Nonce: 0x0A0B0C0D0E0F1011}
	buf := hdr.appendTo(nil)
	require.Len(t, buf, headerSize)

	buf = append(buf, 0xAA, 0xBB)
	parsed, body, err := parseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, hdr, parsed)
	assert.Equal(t, []byte{0xAA, 0xBB}, body)

	_, _, err = parseHeader(buf[:headerSize-1])
	assert.ErrorIs(t, err, errDatagramTooShort)
}

// TestParseCommands tests decoding of multi-command bodies.
func TestParseCommands(t *testing.T) {
	cmds := []command{
		{Type: cmdSendReliable, ChannelID: 1, Sequence: 300, SentTime: 1234, Data: []byte("hello")},
		{Type: cmdAcknowledge, ChannelID: systemChannel, Sequence: 7, SentTime: 65535},
		{Type: cmdSendUnsequenced, ChannelID: 0, Data: []byte{}},
	}

	var body []byte
	for i := range cmds {
		before := len(body)
		body = cmds[i].appendTo(body)
		assert.Equal(t, cmds[i].encodedLen(), len(body)-before, "encodedLen of %s", cmds[i].Type)
	}

	parsed, err := parseCommands(body)
	require.NoError(t, err)
	require.Len(t, parsed, len(cmds))
	for i := range cmds {
		assert.Equal(t, cmds[i].Type, parsed[i].Type)
		assert.Equal(t, cmds[i].ChannelID, parsed[i].ChannelID)
		assert.Equal(t, cmds[i].Sequence, parsed[i].Sequence)
		assert.Equal(t, cmds[i].SentTime, parsed[i].SentTime)
		assert.True(t, bytes.Equal(cmds[i].Data, parsed[i].Data))
	}
}

// TestParseCommandsMalformed tests that corrupt bodies are rejected.
func TestParseCommandsMalformed(t *testing.T) {
	valid := (&command{Type: cmdSendReliable, ChannelID: 0, Sequence: 1, Data: []byte("abcdef")}).appendTo(nil)

	tests := []struct {
		name    string
		body    []byte
		wantErr error
	}{
		{"single byte", []byte{byte(cmdPing)}, errCommandTruncated},
		{"unknown type", []byte{0xEE, 0, 1, 0, 0, 0}, errUnknownCommand},
		{"zero type", []byte{0, 0, 1, 0, 0, 0}, errUnknownCommand},
		{"missing sent time", valid[:3], errCommandTruncated},
		{"data cut short", valid[:len(valid)-2], errCommandTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCommands(tt.body)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestParseCommandsCopiesData tests that parsed data does not alias the input.
func TestParseCommandsCopiesData(t *testing.T) {
	body := (&command{Type: cmdSendUnreliable, Sequence: 1, Data: []byte{1, 2, 3}}).appendTo(nil)
	parsed, err := parseCommands(body)
	require.NoError(t, err)

	for i := range body {
		body[i] = 0
	}
	assert.Equal(t, []byte{1, 2, 3}, parsed[0].Data)
}

// TestCommandReliability tests which commands require acknowledgement.
func TestCommandReliability(t *testing.T) {
	tests := []struct {
		cmd  command
		want bool
	}{
		{command{Type: cmdSendReliable, Sequence: 1}, true},
		{command{Type: cmdPing, Sequence: 1}, true},
		{command{Type: cmdDisconnect, Sequence: 3}, true},
		{command{Type: cmdDisconnect}, false},
		{command{Type: cmdSendUnreliable, Sequence: 1}, false},
		{command{Type: cmdSendUnsequenced}, false},
		{command{Type: cmdAcknowledge, Sequence: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.Type.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.isReliable())
		})
	}
}

// TestHandshakeFrame tests the connect command payload framing.
func TestHandshakeFrame(t *testing.T) {
	frame := handshakeFrame{PeerID: 42, ConnectID: 0xDEADBEEF, Message: []byte("noise")}
	parsed, err := parseHandshakeFrame(frame.encode())
	require.NoError(t, err)
	assert.Equal(t, frame, parsed)

	_, err = parseHandshakeFrame([]byte{1, 2, 3})
	assert.ErrorIs(t, err, errCommandTruncated)
}

// TestConnectParams tests the parameters negotiated during the handshake.
func TestConnectParams(t *testing.T) {
	params := connectParams{ChannelCount: 255, Data: 7, IncomingBandwidth: 1000, OutgoingBandwidth: 2000}
	encoded := params.encode()
	require.Len(t, encoded, connectParamsSize)

	parsed, err := parseConnectParams(encoded)
	require.NoError(t, err)
	assert.Equal(t, params, parsed)

	_, err = parseConnectParams(encoded[:5])
	assert.ErrorIs(t, err, errCommandTruncated)
}

// TestReason tests disconnect reason encoding.
func TestReason(t *testing.T) {
	assert.Equal(t, uint32(0xCAFE), parseReason(encodeReason(0xCAFE)))
	assert.Equal(t, uint32(0), parseReason(nil))
}
