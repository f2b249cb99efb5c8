package transport

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/peerhost/crypto"
)

var (
	// ErrHandshakeNotComplete indicates the handshake has not produced ciphers yet
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates the handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// handshakeRole defines whether we're initiating or responding to a handshake.
type handshakeRole uint8

const (
	// initiator sends CONNECT and CONFIRM_CONNECT
	initiator handshakeRole = iota
	// responder answers with VERIFY_CONNECT
	responder
)

// xxHandshake drives the Noise XX pattern across the three connect commands:
//
//	CONNECT          -> e
//	VERIFY_CONNECT   <- e, ee, s, es
//	CONFIRM_CONNECT  -> s, se
//
// XX needs no prior knowledge of the remote static key, which matches a
// connect call that only knows an address.
type xxHandshake struct {
	role       handshakeRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool

	// staticPrivate is the copy of the private key held by state. It is
	// wiped once the pattern completes or the handshake is abandoned.
	staticPrivate []byte
}

func newXXHandshake(static *crypto.KeyPair, role handshakeRole) (*xxHandshake, error) {
	if static == nil {
		return nil, errors.New("static key pair is required")
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, static.Private[:])
	copy(staticKey.Public, static.Public[:])

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == initiator,
		StaticKeypair: staticKey,
	})
	if err != nil {
		crypto.ZeroBytes(staticKey.Private)
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &xxHandshake{role: role, state: state, staticPrivate: staticKey.Private}, nil
}

// writeMessage produces the next handshake message carrying payload.
func (hs *xxHandshake) writeMessage(payload []byte) ([]byte, error) {
	if hs.complete {
		return nil, ErrHandshakeComplete
	}
	msg, cs1, cs2, err := hs.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("handshake write failed: %w", err)
	}
	hs.finish(cs1, cs2)
	return msg, nil
}

// readMessage consumes a handshake message from the remote side and returns
// its payload.
func (hs *xxHandshake) readMessage(msg []byte) ([]byte, error) {
	if hs.complete {
		return nil, ErrHandshakeComplete
	}
	payload, cs1, cs2, err := hs.state.ReadMessage(nil, msg)
	if err != nil {
		return nil, fmt.Errorf("handshake read failed: %w", err)
	}
	hs.finish(cs1, cs2)
	return payload, nil
}

// finish records the cipher states once the pattern is exhausted. cs1 always
// encrypts initiator-to-responder traffic.
func (hs *xxHandshake) finish(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if hs.role == initiator {
		hs.sendCipher, hs.recvCipher = cs1, cs2
	} else {
		hs.sendCipher, hs.recvCipher = cs2, cs1
	}
	hs.complete = true
	hs.wipe()
}

// wipe erases the private key copy. The handshake cannot continue afterwards.
func (hs *xxHandshake) wipe() {
	crypto.ZeroBytes(hs.staticPrivate)
}

// remoteStatic returns the remote static key learned during the handshake.
func (hs *xxHandshake) remoteStatic() [32]byte {
	var key [32]byte
	copy(key[:], hs.state.PeerStatic())
	return key
}

// session returns the datagram session derived from the finished handshake.
func (hs *xxHandshake) session() (*session, error) {
	if !hs.complete {
		return nil, ErrHandshakeNotComplete
	}
	return newSession(hs.sendCipher.Cipher(), hs.recvCipher.Cipher()), nil
}
