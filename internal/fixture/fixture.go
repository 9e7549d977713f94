// Package fixture is a reference implementation of the primitives
// interfaces (Cipher, Mac, Hash, Kdf, SigScheme) built entirely from
// stdlib and golang.org/x/crypto. It exists so cmd/btokdemo and the
// package tests have something concrete to run end-to-end against — it
// makes no claim to be belt or bign, and nothing here should be read as
// an implementation of STB 34.101.31/45.
package fixture

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ten0s/bee2/bterr"
	"github.com/ten0s/bee2/primitives"
)

// Cipher implements primitives.Cipher with AES in CTR mode, the same
// stream construction btok's SM layer expects belt-ctr to provide.
type Cipher struct{}

func (Cipher) CTR(key, iv, src []byte) ([]byte, error) {
	const op = "fixture.Cipher.CTR"
	k := key
	if len(k) > 32 {
		k = k[:32]
	}
	block, err := aes.NewCipher(padKey(k))
	if err != nil {
		return nil, bterr.Wrap(op, bterr.BadInput, err)
	}
	if len(iv) < block.BlockSize() {
		return nil, bterr.New(op, bterr.BadInput)
	}
	out := make([]byte, len(src))
	cipher.NewCTR(block, iv[:block.BlockSize()]).XORKeyStream(out, src)
	return out, nil
}

// padKey truncates k to the largest valid AES key size (32/24/16) it
// covers, or zero-pads a key shorter than 16 octets out to 16; real
// belt-128 keys are always exactly 32 octets, so this only matters
// for test doubles that pass shorter keys.
func padKey(k []byte) []byte {
	switch {
	case len(k) >= 32:
		return k[:32]
	case len(k) >= 24:
		return k[:24]
	case len(k) >= 16:
		return k[:16]
	}
	out := make([]byte, 16)
	copy(out, k)
	return out
}

// Mac implements primitives.Mac with HMAC-SHA256 truncated to 8 octets,
// matching the length belt-mac's DO-8E tag carries.
type Mac struct{}

func (Mac) MAC(key, msg []byte) ([8]byte, error) {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	sum := h.Sum(nil)
	var tag [8]byte
	copy(tag[:], sum[:8])
	return tag, nil
}

// Hash implements primitives.Hash with SHA-256.
type Hash struct{}

func (Hash) Sum(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

func (Hash) Size() int { return sha256.Size }

// Kdf implements primitives.Kdf with HKDF-SHA256, the standard Go
// construction for "derive N octets from (ikm, salt, info)".
type Kdf struct{}

func (Kdf) Derive(ikm, salt, info []byte, outLen int) ([]byte, error) {
	const op = "fixture.Kdf.Derive"
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, bterr.Wrap(op, bterr.BadEntropy, err)
	}
	return out, nil
}

// SigScheme implements primitives.SigScheme over a fixed security
// level, combining an Ed25519 signing key and an X25519 Diffie-Hellman
// key derived from the same 32-octet seed — the same pairing toxcore's
// crypto package builds, there via NaCl box keys and curve25519.X25519
// (see crypto/keypair.go, crypto/shared_secret.go). The two keys are
// algebraically unrelated; only their seed is shared. Levels above 128
// pad the public key and signature out to the declared length with
// deterministic filler so CVC's fixed-size fields are satisfied; only
// the first 64 octets of each carry real material (pubkey: Ed25519 then
// X25519 public key; signature: the Ed25519 signature).
type SigScheme struct {
	level primitives.Level
}

// New returns a SigScheme fixed at security level l.
func New(l primitives.Level) SigScheme { return SigScheme{level: l} }

func (s SigScheme) Level() primitives.Level { return s.level }

const seedLen = 32

func (s SigScheme) edKey(priv []byte) ed25519.PrivateKey {
	seed := priv
	if len(seed) > seedLen {
		seed = seed[:seedLen]
	} else if len(seed) < seedLen {
		padded := make([]byte, seedLen)
		copy(padded, seed)
		seed = padded
	}
	return ed25519.NewKeyFromSeed(seed)
}

func (s SigScheme) xScalar(priv []byte) []byte {
	seed := priv
	if len(seed) > seedLen {
		seed = seed[:seedLen]
	}
	out := make([]byte, seedLen)
	copy(out, seed)
	return out
}

func (s SigScheme) DerivePub(priv []byte) ([]byte, error) {
	const op = "fixture.SigScheme.DerivePub"
	edPub := s.edKey(priv).Public().(ed25519.PublicKey)
	xPub, err := curve25519.X25519(s.xScalar(priv), curve25519.Basepoint)
	if err != nil {
		return nil, bterr.Wrap(op, bterr.BadInput, err)
	}
	out := make([]byte, s.level.PubKeyLen())
	copy(out, edPub)
	copy(out[32:], xPub)
	fillPadding(out[64:], priv, "pub-pad")
	return out, nil
}

func (s SigScheme) Sign(priv, msg []byte) ([]byte, error) {
	sig := ed25519.Sign(s.edKey(priv), msg)
	out := make([]byte, s.level.PubKeyLen())
	copy(out, sig)
	fillPadding(out[64:], priv, "sig-pad")
	return out, nil
}

func (s SigScheme) Verify(pub, msg, sig []byte) (bool, error) {
	const op = "fixture.SigScheme.Verify"
	if len(pub) != s.level.PubKeyLen() || len(sig) != s.level.PubKeyLen() {
		return false, bterr.New(op, bterr.BadParams)
	}
	return ed25519.Verify(pub[:32], msg, sig[:64]), nil
}

func (s SigScheme) GenEphemeral(rng primitives.Rng) (priv, pub []byte, err error) {
	const op = "fixture.SigScheme.GenEphemeral"
	priv = make([]byte, seedLen)
	if _, err := io.ReadFull(rng, priv); err != nil {
		return nil, nil, bterr.Wrap(op, bterr.BadEntropy, err)
	}
	pub, err = s.DerivePub(priv)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func (s SigScheme) Dh(priv, pub []byte) ([]byte, error) {
	const op = "fixture.SigScheme.Dh"
	if len(pub) < 64 {
		return nil, bterr.New(op, bterr.BadInput)
	}
	shared, err := curve25519.X25519(s.xScalar(priv), pub[32:64])
	if err != nil {
		return nil, bterr.Wrap(op, bterr.BadInput, err)
	}
	return shared, nil
}

// fillPadding deterministically fills buf with filler bytes derived from
// priv and a domain label, keeping CvcFields' fixed-size key/signature
// fields satisfied above level 128 without claiming the filler is
// meaningful key material.
func fillPadding(buf []byte, priv []byte, label string) {
	if len(buf) == 0 {
		return
	}
	h := hmac.New(sha256.New, priv)
	h.Write([]byte(label))
	block := h.Sum(nil)
	for len(buf) > 0 {
		n := copy(buf, block)
		buf = buf[n:]
		h.Reset()
		h.Write(block)
		block = h.Sum(nil)
	}
}
