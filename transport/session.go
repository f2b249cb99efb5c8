package transport

import (
	"errors"

	"github.com/flynn/noise"
)

// replayWindowSize is the number of nonces tracked behind the highest one seen.
const replayWindowSize = 64

var errReplayedNonce = errors.New("replayed or stale nonce")

// session seals post-handshake datagrams. Datagrams may be lost or reordered,
// so every datagram carries its own nonce in the header instead of relying on
// the implicit counter of a noise.CipherState.
type session struct {
	send      noise.Cipher
	recv      noise.Cipher
	sendNonce uint64

	// sliding replay window over received nonces
	highest uint64
	window  uint64
	seenAny bool
}

func newSession(send, recv noise.Cipher) *session {
	return &session{send: send, recv: recv}
}

// seal encrypts body for the datagram described by hdr and returns the full
// datagram. The header, nonce included, is authenticated as associated data.
func (s *session) seal(hdr datagramHeader, body []byte) []byte {
	hdr.Flags |= flagSealed
	hdr.Nonce = s.sendNonce
	s.sendNonce++

	ad := hdr.appendTo(make([]byte, 0, headerSize))
	out := append(make([]byte, 0, headerSize+len(body)+16), ad...)
	return s.send.Encrypt(out, hdr.Nonce, ad, body)
}

// open authenticates and decrypts a sealed datagram body.
func (s *session) open(hdr datagramHeader, raw []byte) ([]byte, error) {
	if !s.fresh(hdr.Nonce) {
		return nil, errReplayedNonce
	}
	body, err := s.recv.Decrypt(nil, hdr.Nonce, raw[:headerSize], raw[headerSize:])
	if err != nil {
		return nil, err
	}
	s.mark(hdr.Nonce)
	return body, nil
}

func (s *session) fresh(n uint64) bool {
	if !s.seenAny || n > s.highest {
		return true
	}
	diff := s.highest - n
	if diff >= replayWindowSize {
		return false
	}
	return s.window&(1<<diff) == 0
}

func (s *session) mark(n uint64) {
	if !s.seenAny {
		s.seenAny = true
		s.highest = n
		s.window = 1
		return
	}
	if n > s.highest {
		shift := n - s.highest
		if shift >= replayWindowSize {
			s.window = 0
		} else {
			s.window <<= shift
		}
		s.window |= 1
		s.highest = n
		return
	}
	s.window |= 1 << (s.highest - n)
}
