package fixture

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/ten0s/bee2/primitives"
)

func TestCipherCTRRoundTrip(t *testing.T) {
	var c Cipher
	key := bytes.Repeat([]byte{0xAB}, 32)
	iv := bytes.Repeat([]byte{0x01}, 16)
	msg := []byte("the quick brown fox jumps")

	ct, err := c.CTR(key, iv, msg)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := c.CTR(key, iv, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, msg)
	}
}

func TestMacDeterministic(t *testing.T) {
	var m Mac
	key := []byte("key")
	msg := []byte("message")
	tag1, err := m.MAC(key, msg)
	if err != nil {
		t.Fatalf("MAC: %v", err)
	}
	tag2, err := m.MAC(key, msg)
	if err != nil {
		t.Fatalf("MAC: %v", err)
	}
	if tag1 != tag2 {
		t.Fatalf("MAC not deterministic")
	}
	tag3, _ := m.MAC(key, []byte("different"))
	if tag1 == tag3 {
		t.Fatalf("MAC collided across distinct messages")
	}
}

func TestKdfDeriveDistinctInfo(t *testing.T) {
	var k Kdf
	ikm := bytes.Repeat([]byte{0x09}, 32)
	a, err := k.Derive(ikm, nil, []byte("a"), 32)
	if err != nil {
		t.Fatalf("Derive a: %v", err)
	}
	b, err := k.Derive(ikm, nil, []byte("b"), 32)
	if err != nil {
		t.Fatalf("Derive b: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("distinct info labels produced identical output")
	}
}

func TestSigSchemeSignVerifyRoundTrip(t *testing.T) {
	sig := New(primitives.Level128)
	priv := bytes.Repeat([]byte{0x12}, 32)
	pub, err := sig.DerivePub(priv)
	if err != nil {
		t.Fatalf("DerivePub: %v", err)
	}
	if len(pub) != primitives.Level128.PubKeyLen() {
		t.Fatalf("pub length = %d, want %d", len(pub), primitives.Level128.PubKeyLen())
	}

	msg := []byte("sign me")
	signature, err := sig.Sign(priv, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := sig.Verify(pub, msg, signature)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("Verify rejected a genuine signature")
	}

	signature[0] ^= 0xFF
	ok, err = sig.Verify(pub, msg, signature)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("Verify accepted a tampered signature")
	}
}

func TestSigSchemeDhCommutes(t *testing.T) {
	sig := New(primitives.Level128)
	privA, pubA, err := sig.GenEphemeral(rand.Reader)
	if err != nil {
		t.Fatalf("GenEphemeral A: %v", err)
	}
	privB, pubB, err := sig.GenEphemeral(rand.Reader)
	if err != nil {
		t.Fatalf("GenEphemeral B: %v", err)
	}

	sharedA, err := sig.Dh(privA, pubB)
	if err != nil {
		t.Fatalf("Dh A: %v", err)
	}
	sharedB, err := sig.Dh(privB, pubA)
	if err != nil {
		t.Fatalf("Dh B: %v", err)
	}
	if !bytes.Equal(sharedA, sharedB) {
		t.Fatalf("Dh is not commutative:\n%x\n%x", sharedA, sharedB)
	}
}

func TestSigSchemeHigherLevelsPadToDeclaredLength(t *testing.T) {
	for _, l := range []primitives.Level{primitives.Level128, primitives.Level192, primitives.Level256} {
		sig := New(l)
		priv := bytes.Repeat([]byte{0x44}, 32)
		pub, err := sig.DerivePub(priv)
		if err != nil {
			t.Fatalf("DerivePub level %d: %v", l, err)
		}
		if len(pub) != l.PubKeyLen() {
			t.Fatalf("level %d: pub length = %d, want %d", l, len(pub), l.PubKeyLen())
		}
		signature, err := sig.Sign(priv, []byte("msg"))
		if err != nil {
			t.Fatalf("Sign level %d: %v", l, err)
		}
		if len(signature) != l.PubKeyLen() {
			t.Fatalf("level %d: sig length = %d, want %d", l, len(signature), l.PubKeyLen())
		}
	}
}
