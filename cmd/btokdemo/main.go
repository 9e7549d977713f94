// Command btokdemo runs btok's full pipeline — CVC issuance, the BAUTH
// handshake and an SM-protected APDU exchange — end to end in a single
// process, using internal/fixture as a stand-in for the belt/bign
// algorithms the core treats as external collaborators. It is a
// walkthrough, not a transport: there is no PC/SC or NFC reader here,
// only the byte strings the core consumes and emits.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/ten0s/bee2/apdu"
	"github.com/ten0s/bee2/bauth"
	"github.com/ten0s/bee2/config"
	"github.com/ten0s/bee2/cvc"
	"github.com/ten0s/bee2/internal/fixture"
	"github.com/ten0s/bee2/primitives"
	"github.com/ten0s/bee2/session"
	"github.com/ten0s/bee2/sm"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	l := primitives.Level(cfg.Level)
	sig := fixture.New(l)
	kdf := fixture.Kdf{}
	var cipher fixture.Cipher
	var mac fixture.Mac

	ownPriv, err := loadKeyHexFile(cfg.Peer.OwnKeyHexFile)
	if err != nil {
		log.Fatalf("load own key: %v", err)
	}

	slog.Info("issuing demo certificates", "level", cfg.Level, "self_role", *cfg.Runtime.Role)
	rootPriv := mustRandom(l.PubKeyLen() / 2)
	rootCert := mustRootCvc(sig, rootPriv, "BYCA0000")

	var dT, dCT []byte
	if *cfg.Runtime.Role == "T" {
		dT = ownPriv
		dCT = mustRandom(l.PubKeyLen() / 2)
	} else {
		dT = mustRandom(l.PubKeyLen() / 2)
		dCT = ownPriv
	}
	certT := mustChildCvc(sig, dT, rootCert, rootPriv, "BYCA0000", "T0000001")
	certCT := mustChildCvc(sig, dCT, rootCert, rootPriv, "BYCA0000", "CT000001")

	rootPub, err := sig.DerivePub(rootPriv)
	if err != nil {
		log.Fatalf("DerivePub(root): %v", err)
	}

	validate := func(certBytes []byte) ([]byte, error) {
		parent, err := cvc.CvcUnwrap(rootCert, nil, sig)
		if err != nil {
			return nil, err
		}
		parent.PubKey = rootPub
		f, err := cvc.CvcVal(certBytes, parent, nil, sig)
		if err != nil {
			return nil, err
		}
		return f.PubKey, nil
	}

	settings := bauth.Settings{Kca: *cfg.Auth.Kca, Kcb: *cfg.Auth.Kcb, Rng: rand.Reader}

	slog.Info("running BAUTH handshake", "kca", settings.Kca, "kcb", settings.Kcb)
	stT, err := bauth.Start(bauth.RoleT, sig, settings, dT, certT, validate)
	if err != nil {
		log.Fatalf("bauth.Start T: %v", err)
	}
	stCT, err := bauth.Start(bauth.RoleCT, sig, settings, dCT, certCT, validate)
	if err != nil {
		log.Fatalf("bauth.Start CT: %v", err)
	}

	m2, err := stCT.Step2(kdf, nil)
	if err != nil {
		log.Fatalf("Step2: %v", err)
	}
	m3, err := stT.Step3(m2, certCT, kdf)
	if err != nil {
		log.Fatalf("Step3: %v", err)
	}
	m4, err := stCT.Step4(m3, kdf)
	if err != nil {
		log.Fatalf("Step4: %v", err)
	}
	if settings.Kcb {
		if err := stT.Step5(m4, kdf); err != nil {
			log.Fatalf("Step5: %v", err)
		}
	}

	smT, err := session.Establish(stT, cipher, mac, kdf)
	if err != nil {
		log.Fatalf("session.Establish T: %v", err)
	}
	smCT, err := session.Establish(stCT, cipher, mac, kdf)
	if err != nil {
		log.Fatalf("session.Establish CT: %v", err)
	}
	slog.Info("BAUTH handshake complete, SM channel ready")

	demoWrapUnwrap(smT, smCT)
}

func demoWrapUnwrap(smT, smCT *sm.State) {
	cmd := apduSelectCmd()
	smT.CtrInc()
	smCT.CtrInc()

	wire, err := sm.CmdWrap(cmd, smT)
	if err != nil {
		log.Fatalf("CmdWrap: %v", err)
	}
	fmt.Printf("Protected command APDU: %s\n", hex.EncodeToString(wire))

	got, err := sm.CmdUnwrap(wire, smCT)
	if err != nil {
		log.Fatalf("CmdUnwrap: %v", err)
	}
	fmt.Printf("Recovered command: CLA=%02X INS=%02X P1=%02X P2=%02X CDF=%s\n",
		got.Cla, got.Ins, got.P1, got.P2, hex.EncodeToString(got.Cdf))
}

func apduSelectCmd() apdu.Cmd {
	return apdu.Cmd{Cla: 0x00, Ins: 0xA4, P1: 0x04, P2: 0x04, Cdf: []byte("Test"), RdfLen: 256}
}

// loadKeyHexFile reads a single hex-encoded key seed from path, skipping
// blank lines, the same on-disk convention the teacher's
// ntag424.LoadKeyHexFile uses — except the seed length here is free:
// internal/fixture's SigScheme pads or truncates it to 32 octets, so it
// is not tied to a fixed AES-key width.
func loadKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("invalid hex key: %w", err)
		}
		return key, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s: no key line found", path)
}

func mustRandom(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("rand.Read: %v", err)
	}
	return b
}

func mustRootCvc(sig fixture.SigScheme, priv []byte, name string) []byte {
	pub, err := sig.DerivePub(priv)
	if err != nil {
		log.Fatalf("DerivePub(root): %v", err)
	}
	f := cvc.CvcFields{
		Level:             sig.Level(),
		Authority:         name,
		Holder:            name,
		From:              [6]byte{0x02, 0x02, 0x00, 0x07, 0x00, 0x07},
		Until:             [6]byte{0x09, 0x09, 0x00, 0x07, 0x00, 0x07},
		HatEid:            [8]byte{0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE},
		HatEsign:          [8]byte{0x77, 0x77, 0x77, 0x77, 0x77, 0x77, 0x77, 0x77},
		DeclaredPubKeyLen: sig.Level().PubKeyLen(),
		PubKey:            pub,
	}
	cert, err := cvc.CvcWrap(f, sig, priv)
	if err != nil {
		log.Fatalf("CvcWrap(root): %v", err)
	}
	return cert
}

func mustChildCvc(sig fixture.SigScheme, priv []byte, issuerCert, issuerPriv []byte, authority, holder string) []byte {
	pub, err := sig.DerivePub(priv)
	if err != nil {
		log.Fatalf("DerivePub(child): %v", err)
	}
	f := cvc.CvcFields{
		Level:             sig.Level(),
		Authority:         authority,
		Holder:            holder,
		From:              [6]byte{0x02, 0x02, 0x00, 0x07, 0x01, 0x02},
		Until:             [6]byte{0x03, 0x09, 0x01, 0x02, 0x03, 0x01},
		HatEid:            [8]byte{0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD},
		HatEsign:          [8]byte{0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33},
		DeclaredPubKeyLen: sig.Level().PubKeyLen(),
		PubKey:            pub,
	}
	cert, err := cvc.CvcIss(f, issuerCert, issuerPriv, sig)
	if err != nil {
		log.Fatalf("CvcIss(child): %v", err)
	}
	return cert
}
