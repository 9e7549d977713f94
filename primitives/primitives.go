// Package primitives declares the capability interfaces the core consumes
// from the belt/bign family of algorithms (STB 34.101.31, STB 34.101.45)
// without implementing any of them. apdu, cvc, sm, bauth and session are
// all generic over these shapes; a caller wires in concrete belt/bign
// code, or, for tests and the cmd/btokdemo walkthrough, the reference
// fixture in internal/fixture.
package primitives

import "io"

// Rng is the entropy source BAUTH draws ephemeral scalars from. Any
// io.Reader that never returns a short read without an error satisfies
// it; crypto/rand.Reader is the obvious production choice.
type Rng = io.Reader

// Cipher is a symmetric block cipher operated in CTR mode, keyed
// per-call. Implementations must be safe to reuse across keys; they hold
// no state of their own.
type Cipher interface {
	// CTR XORs src against a CTR keystream seeded by key and iv and
	// returns the result. Calling CTR twice with the same arguments
	// reproduces encryption and decryption alike.
	CTR(key, iv, src []byte) ([]byte, error)
}

// Mac computes an 8-octet authentication tag over msg under key. This
// matches the truncated MAC belt-mac produces and that btok's DO-8E
// container carries.
type Mac interface {
	MAC(key, msg []byte) ([8]byte, error)
}

// Hash is a cryptographic hash function. No package in this module
// calls it; internal/fixture provides an implementation.
type Hash interface {
	Sum(msg []byte) []byte
	Size() int
}

// Kdf derives outLen octets of key material from ikm, a salt and a
// context-binding info string. SM uses it to turn (session key, counter)
// into per-message encryption/MAC keys; BAUTH uses it to derive K0, its
// confirmation tags and the final 32-octet session key. The session key
// is derived from the ECDH shared secrets salted with both ephemeral
// public keys; certificates and confirmation tags are not KDF input.
type Kdf interface {
	Derive(ikm, salt, info []byte, outLen int) ([]byte, error)
}

// Level is a bign security level in bits: one of 128, 192 or 256. It
// selects curve, key and signature sizes throughout cvc and bauth.
type Level int

const (
	Level128 Level = 128
	Level192 Level = 192
	Level256 Level = 256
)

// PubKeyLen returns the encoded public-key length in octets for a bign
// security level (2*l/8), or 0 if l is not one of the recognized levels.
func (l Level) PubKeyLen() int {
	switch l {
	case Level128:
		return 64
	case Level192:
		return 96
	case Level256:
		return 128
	default:
		return 0
	}
}

// Valid reports whether l is one of the three standard bign levels.
func (l Level) Valid() bool {
	return l == Level128 || l == Level192 || l == Level256
}

// SigScheme is the signature scheme over a bign elliptic-curve group at a
// fixed security level. CvcWrap/CvcUnwrap use it to bind a certificate to
// its issuer; BAUTH uses DerivePub and Dh to compute the ECDH shared
// points folded into the session key.
type SigScheme interface {
	Level() Level
	Sign(priv, msg []byte) ([]byte, error)
	Verify(pub, msg, sig []byte) (bool, error)
	DerivePub(priv []byte) ([]byte, error)

	// GenEphemeral draws a fresh ephemeral private scalar using rng and
	// returns it together with its public point.
	GenEphemeral(rng Rng) (priv, pub []byte, err error)

	// Dh computes the shared point priv*pub (ECDH) and returns its
	// encoded x-coordinate (or full point encoding, scheme-defined); the
	// caller treats it as opaque ikm for a Kdf.
	Dh(priv, pub []byte) ([]byte, error)
}

// CertValidator checks a BAUTH peer's certificate against externally
// held trust material (a root certificate, a revocation list, ...) and
// returns the subject public key embedded in it. It is supplied by the
// caller because the core has no notion of a certificate store.
type CertValidator func(certBytes []byte) (pubkey []byte, err error)
