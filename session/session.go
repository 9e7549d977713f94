// Package session ties a completed BAUTH key agreement into a Secure
// Messaging channel: it extracts BAUTH's 32-octet session key exactly
// once, hands it to a fresh sm.State, and zeroizes BAUTH's own copy so
// the key exists in exactly one place from that point on.
package session

import (
	"github.com/ten0s/bee2/bauth"
	"github.com/ten0s/bee2/bterr"
	"github.com/ten0s/bee2/primitives"
	"github.com/ten0s/bee2/sm"
)

// Establish extracts the session key from a BAUTH state that has reached
// Done and starts an sm.State bound to it, with the sm.Role matching
// bs's own bauth.Role. bs is closed (zeroizing its copy of the key)
// whether Establish succeeds or fails, since a single StepG call is the
// only sanctioned way to read the key out of BAUTH.
func Establish(bs *bauth.State, cipher primitives.Cipher, mac primitives.Mac, kdf primitives.Kdf) (*sm.State, error) {
	const op = "session.Establish"
	defer bs.Close()

	key, err := bs.StepG()
	if err != nil {
		return nil, err
	}

	role, err := smRole(bs.Role())
	if err != nil {
		return nil, bterr.Wrap(op, bterr.BadInput, err)
	}

	state, err := sm.Start(role, key[:], cipher, mac, kdf)
	if err != nil {
		return nil, err
	}
	return state, nil
}

func smRole(r bauth.Role) (sm.Role, error) {
	switch r {
	case bauth.RoleT:
		return sm.Terminal, nil
	case bauth.RoleCT:
		return sm.CardTerminal, nil
	default:
		return 0, bterr.New("session.smRole", bterr.BadInput)
	}
}
