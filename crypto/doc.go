// Package crypto holds the static key material used by the transport
// handshake.
//
// Every host owns a Curve25519 [KeyPair]. The private half is either
// generated at host creation or loaded from configuration as hex:
//
//	keys, err := crypto.ParseSecretKeyHex(opts.PrivateKey)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer crypto.WipeKeyPair(keys)
//
// A handshake keeps its own copy of the private key and wipes it with
// [ZeroBytes] once the pattern completes or the connection attempt is
// abandoned. A transport host wipes its key with [WipeKeyPair] on destroy.
package crypto
