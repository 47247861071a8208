package model

import (
	"fmt"
	"math/big"
)

// Generation is the charger hardware protocol version.
type Generation int

const (
	Generation2 Generation = 2
	Generation3 Generation = 3
)

// Identity is the immutable identity of one charger: its opaque id and
// the protocol generation derived from it.
type Identity struct {
	ChargerID  string
	Generation Generation
}

// NewIdentity derives the protocol generation from the charger id. Ids
// are decimal strings; the backend encodes a 6-byte value for
// generation 2 hardware and an 8-byte value for generation 3, so the
// hex digit count (rounded up to a whole byte) identifies the
// generation. Unknown widths default to generation 3, matching the
// newest hardware.
func NewIdentity(chargerID string) (Identity, error) {
	n, ok := new(big.Int).SetString(chargerID, 10)
	if !ok || n.Sign() < 0 {
		return Identity{}, fmt.Errorf("charger id %q is not a decimal number", chargerID)
	}

	hexDigits := len(n.Text(16))
	// Round up to a whole number of bytes.
	hexDigits = (hexDigits + 1) / 2 * 2

	gen := Generation3
	if hexDigits == 12 {
		gen = Generation2
	}
	return Identity{ChargerID: chargerID, Generation: gen}, nil
}
