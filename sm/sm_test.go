package sm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/ten0s/bee2/apdu"
	"github.com/ten0s/bee2/bterr"
)

// stubCipher and stubMac are minimal, self-contained test doubles — not a
// claim about belt. They let the round-trip and tamper tests exercise the
// real container logic without depending on internal/fixture.

type stubCipher struct{}

func (stubCipher) CTR(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(src))
	cipher.NewCTR(block, iv[:16]).XORKeyStream(out, src)
	return out, nil
}

type stubMac struct{}

func (stubMac) MAC(key, msg []byte) ([8]byte, error) {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	sum := h.Sum(nil)
	var tag [8]byte
	copy(tag[:], sum[:8])
	return tag, nil
}

type stubKdf struct{}

func (stubKdf) Derive(ikm, salt, info []byte, outLen int) ([]byte, error) {
	h := hmac.New(sha256.New, ikm)
	h.Write(salt)
	h.Write(info)
	out := make([]byte, 0, outLen)
	block := h.Sum(nil)
	for len(out) < outLen {
		out = append(out, block...)
		h.Reset()
		h.Write(block)
		block = h.Sum(nil)
	}
	return out[:outLen], nil
}

func newPair(t *testing.T) (*State, *State) {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	term, err := Start(Terminal, key, stubCipher{}, stubMac{}, stubKdf{})
	if err != nil {
		t.Fatalf("Start T: %v", err)
	}
	card, err := Start(CardTerminal, key, stubCipher{}, stubMac{}, stubKdf{})
	if err != nil {
		t.Fatalf("Start CT: %v", err)
	}
	return term, card
}

func TestCmdWrapUnwrapRoundTrip(t *testing.T) {
	term, card := newPair(t)
	term.CtrInc()
	card.CtrInc()

	cmd := apdu.Cmd{Cla: 0x00, Ins: 0xA4, P1: 0x04, P2: 0x04, Cdf: []byte("Test"), RdfLen: 256}
	wire, err := CmdWrap(cmd, term)
	if err != nil {
		t.Fatalf("CmdWrap: %v", err)
	}
	if wire[0]&claSMBit == 0 {
		t.Fatalf("expected SM indicator bit set in CLA, got % X", wire[0])
	}

	got, err := CmdUnwrap(wire, card)
	if err != nil {
		t.Fatalf("CmdUnwrap: %v", err)
	}
	if got.Cla != cmd.Cla || got.Ins != cmd.Ins || !bytes.Equal(got.Cdf, cmd.Cdf) || got.RdfLen != cmd.RdfLen {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, cmd)
	}
}

func TestCmdUnwrapDetectsTamper(t *testing.T) {
	term, card := newPair(t)
	term.CtrInc()
	card.CtrInc()

	cmd := apdu.Cmd{Cla: 0x00, Ins: 0xA4, P1: 0x04, P2: 0x04, Cdf: []byte("Test"), RdfLen: 256}
	wire, err := CmdWrap(cmd, term)
	if err != nil {
		t.Fatalf("CmdWrap: %v", err)
	}
	wire[len(wire)-3] ^= 0xFF // flip a byte inside the DO-8E MAC value

	if _, err := CmdUnwrap(wire, card); !bterr.Is(err, bterr.BadMac) {
		t.Fatalf("want BadMac, got %v", err)
	}
}

func TestCmdUnwrapRejectsCounterMismatch(t *testing.T) {
	term, card := newPair(t)
	term.CtrInc()
	card.CtrInc()
	card.CtrInc() // peer out of lockstep

	cmd := apdu.Cmd{Cla: 0x00, Ins: 0xA4, P1: 0x04, P2: 0x04, Cdf: []byte("Test"), RdfLen: 256}
	wire, err := CmdWrap(cmd, term)
	if err != nil {
		t.Fatalf("CmdWrap: %v", err)
	}
	if _, err := CmdUnwrap(wire, card); !bterr.Is(err, bterr.BadMac) {
		t.Fatalf("want BadMac on counter mismatch, got %v", err)
	}
}

func TestRespWrapUnwrapRoundTrip(t *testing.T) {
	term, card := newPair(t)
	term.CtrInc()
	card.CtrInc()

	resp := apdu.Resp{Sw1: 0x90, Sw2: 0x00, Rdf: mustHex(t, "E012C00401FF8010C00402FF8010C00403FF8010")}
	wire, err := RespWrap(resp, card)
	if err != nil {
		t.Fatalf("RespWrap: %v", err)
	}
	if wire[len(wire)-2] != 0x90 || wire[len(wire)-1] != 0x00 {
		t.Fatalf("expected clear trailing SW, got % X", wire[len(wire)-2:])
	}

	got, err := RespUnwrap(wire, term)
	if err != nil {
		t.Fatalf("RespUnwrap: %v", err)
	}
	if got.Sw1 != resp.Sw1 || got.Sw2 != resp.Sw2 || !bytes.Equal(got.Rdf, resp.Rdf) {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, resp)
	}
}

func TestRespUnwrapDetectsSwTamper(t *testing.T) {
	term, card := newPair(t)
	term.CtrInc()
	card.CtrInc()

	resp := apdu.Resp{Sw1: 0x90, Sw2: 0x00, Rdf: []byte{0x01, 0x02}}
	wire, err := RespWrap(resp, card)
	if err != nil {
		t.Fatalf("RespWrap: %v", err)
	}
	wire[len(wire)-1] = 0x01 // flip SW2 after the authenticated tail was computed

	if _, err := RespUnwrap(wire, term); !bterr.Is(err, bterr.BadMac) {
		t.Fatalf("want BadMac, got %v", err)
	}
}

func TestPlainSmPassthrough(t *testing.T) {
	cmd := apdu.Cmd{Cla: 0x00, Ins: 0xA4, P1: 0x04, P2: 0x04, Cdf: mustHex(t, "54657374"), RdfLen: 256}
	wire, err := CmdWrap(cmd, nil)
	if err != nil {
		t.Fatalf("CmdWrap: %v", err)
	}
	want := mustHex(t, "00A40404045465737400")
	if !bytes.Equal(wire, want) {
		t.Fatalf("got % X, want % X", wire, want)
	}
}

func TestClosedStateRejected(t *testing.T) {
	term, _ := newPair(t)
	term.CtrInc()
	term.Close()
	_, err := CmdWrap(apdu.Cmd{Ins: 0xA4}, term)
	if !bterr.Is(err, bterr.BadLogic) {
		t.Fatalf("want BadLogic on closed state, got %v", err)
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}
