package cvc

import (
	"bytes"
	"testing"

	"github.com/ten0s/bee2/bterr"
	"github.com/ten0s/bee2/primitives"
)

// stubSig is a self-contained, deterministic test double for
// primitives.SigScheme — it is not a claim about bign, only byte-wise
// XOR mixing of key and message, enough to exercise sign/verify/derivePub
// round trips in the codec above it.
type stubSig struct{ level primitives.Level }

func (s stubSig) Level() primitives.Level { return s.level }

func (s stubSig) DerivePub(priv []byte) ([]byte, error) {
	out := make([]byte, s.level.PubKeyLen())
	for i := range out {
		out[i] = priv[i%len(priv)] ^ byte(i)
	}
	return out, nil
}

func (s stubSig) Sign(priv, msg []byte) ([]byte, error) {
	pub, _ := s.DerivePub(priv)
	sig := make([]byte, s.level.PubKeyLen())
	for i := range sig {
		sig[i] = pub[i] ^ msg[i%len(msg)]
	}
	return sig, nil
}

func (s stubSig) Verify(pub, msg, sig []byte) (bool, error) {
	for i := range sig {
		if sig[i] != pub[i]^msg[i%len(msg)] {
			return false, nil
		}
	}
	return true, nil
}

func (s stubSig) GenEphemeral(rng primitives.Rng) (priv, pub []byte, err error) {
	priv = make([]byte, s.level.PubKeyLen()/2)
	if _, err := rng.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, _ = s.DerivePub(priv)
	return priv, pub, nil
}

func (s stubSig) Dh(priv, pub []byte) ([]byte, error) {
	out := make([]byte, len(pub))
	for i := range out {
		out[i] = priv[i%len(priv)] ^ pub[i]
	}
	return out, nil
}

func rootFields(t *testing.T, level primitives.Level, authority, holder string, pubKeyLen int) CvcFields {
	t.Helper()
	return CvcFields{
		Level:             level,
		Authority:         authority,
		Holder:            holder,
		From:              [6]byte{0x02, 0x02, 0x00, 0x07, 0x00, 0x07},
		Until:             [6]byte{0x09, 0x09, 0x00, 0x07, 0x00, 0x07},
		HatEid:            [8]byte{0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE},
		HatEsign:          [8]byte{0x77, 0x77, 0x77, 0x77, 0x77, 0x77, 0x77, 0x77},
		DeclaredPubKeyLen: pubKeyLen,
	}
}

func TestCvcCheckFailsBeforePubKeyGenerated(t *testing.T) {
	f := rootFields(t, primitives.Level256, "BYCA00000000", "BYCA00000000", 128)
	if err := CvcCheck(f); !bterr.Is(err, bterr.BadInput) {
		t.Fatalf("want BadInput before pubkey generated, got %v", err)
	}
	f.PubKey = make([]byte, 128)
	if err := CvcCheck(f); err != nil {
		t.Fatalf("CvcCheck after pubkey generated: %v", err)
	}
}

func TestCvcWrapUnwrapRoundTrip(t *testing.T) {
	signer := stubSig{level: primitives.Level128}
	priv := bytes.Repeat([]byte{0x11}, 32)
	pub, err := signer.DerivePub(priv)
	if err != nil {
		t.Fatalf("DerivePub: %v", err)
	}

	f := rootFields(t, primitives.Level128, "BYCA0000", "BYCA0000", 64)
	f.PubKey = pub

	cert, err := CvcWrap(f, signer, priv)
	if err != nil {
		t.Fatalf("CvcWrap: %v", err)
	}
	if len(cert) >= 365 {
		t.Fatalf("expected a short certificate, got %d bytes", len(cert))
	}

	got, err := CvcUnwrap(cert, pub, signer)
	if err != nil {
		t.Fatalf("CvcUnwrap: %v", err)
	}
	if got.Authority != f.Authority || got.Holder != f.Holder || got.From != f.From || got.Until != f.Until {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, f)
	}
	if !bytes.Equal(got.PubKey, f.PubKey) {
		t.Fatalf("pubkey mismatch")
	}
}

func TestCvcUnwrapRejectsTamperedSignature(t *testing.T) {
	signer := stubSig{level: primitives.Level128}
	priv := bytes.Repeat([]byte{0x22}, 32)
	pub, _ := signer.DerivePub(priv)
	f := rootFields(t, primitives.Level128, "BYCA0000", "BYCA0001", 64)
	f.PubKey = pub

	cert, err := CvcWrap(f, signer, priv)
	if err != nil {
		t.Fatalf("CvcWrap: %v", err)
	}
	cert[len(cert)-1] ^= 0xFF

	if _, err := CvcUnwrap(cert, pub, signer); !bterr.Is(err, bterr.BadCert) {
		t.Fatalf("want BadCert, got %v", err)
	}
}

func TestPreCertificateAuthorityChaining(t *testing.T) {
	signer := stubSig{level: primitives.Level192}
	rootPriv := bytes.Repeat([]byte{0x33}, 48)
	rootPub, _ := signer.DerivePub(rootPriv)

	root := rootFields(t, primitives.Level192, "BYCA0000", "BYCA0000", 96)
	root.PubKey = rootPub
	rootCert, err := CvcWrap(root, signer, rootPriv)
	if err != nil {
		t.Fatalf("CvcWrap root: %v", err)
	}

	childPriv := bytes.Repeat([]byte{0x44}, 48)
	childPub, _ := signer.DerivePub(childPriv)
	child := rootFields(t, primitives.Level192, "BYCA0000", "BYCA1000", 96)
	child.PubKey = childPub

	childCert, err := CvcIss(child, rootCert, rootPriv, signer)
	if err != nil {
		t.Fatalf("CvcIss: %v", err)
	}

	got, err := CvcVal(childCert, root, nil, signer)
	if err != nil {
		t.Fatalf("CvcVal: %v", err)
	}
	if got.Authority != root.Holder {
		t.Fatalf("name-chain property violated: %q != %q", got.Authority, root.Holder)
	}
}

func TestCvcValRejectsExpired(t *testing.T) {
	signer := stubSig{level: primitives.Level128}
	priv := bytes.Repeat([]byte{0x55}, 32)
	pub, _ := signer.DerivePub(priv)
	f := rootFields(t, primitives.Level128, "BYCA0000", "BYCA0000", 64)
	f.PubKey = pub
	cert, err := CvcWrap(f, signer, priv)
	if err != nil {
		t.Fatalf("CvcWrap: %v", err)
	}

	tooLate := [6]byte{0x10, 0x01, 0x00, 0x01, 0x00, 0x01}
	if _, err := CvcVal(cert, f, &tooLate, signer); !bterr.Is(err, bterr.BadCert) {
		t.Fatalf("want BadCert for expired cert, got %v", err)
	}
}

func TestCvcLenSentinel(t *testing.T) {
	signer := stubSig{level: primitives.Level128}
	priv := bytes.Repeat([]byte{0x66}, 32)
	pub, _ := signer.DerivePub(priv)
	f := rootFields(t, primitives.Level128, "BYCA0000", "BYCA0000", 64)
	f.PubKey = pub
	cert, err := CvcWrap(f, signer, priv)
	if err != nil {
		t.Fatalf("CvcWrap: %v", err)
	}

	n := CvcLen(cert, len(cert))
	if n != len(cert) {
		t.Fatalf("CvcLen got %d, want %d", n, len(cert))
	}
	if got := CvcLen(cert, len(cert)-1); got != lenInvalid {
		t.Fatalf("CvcLen with short maxLen got %d, want invalid sentinel", got)
	}
}
