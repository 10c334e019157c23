// Package cookie implements the opaque sync cookie (spec.md §4.6): it
// carries a client's computerId as a NUL-trimmed UTF-8 string and
// expires five days after issue. The core performs no cryptographic
// validation of the bytes; Binder is the documented interface seam for
// a future time-bound MAC (spec.md §9, open question 3).
package cookie

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Expiration is the fixed cookie lifetime from spec.md §6
// ("CookieExpiration = 5 days").
const Expiration = 5 * 24 * time.Hour

// Binder is the seam a future revision can implement to bind integrity
// to the cookie's bytes (spec.md §9). Bind transforms the plain payload
// before it leaves the process; Verify reports whether bytes received
// back from a client still carry a valid binding.
type Binder interface {
	Bind(payload []byte) []byte
	Verify(payload []byte) bool
}

// NoopBinder performs no cryptographic binding: Bind is the identity
// function and Verify always succeeds, matching "the core treats the
// bytes as opaque; it performs no validation" (spec.md §4.6).
type NoopBinder struct{}

func (NoopBinder) Bind(payload []byte) []byte { return payload }
func (NoopBinder) Verify([]byte) bool         { return true }

// Cookie is the decoded form of the opaque sync cookie.
type Cookie struct {
	ComputerID string
	Expiry     time.Time
}

// Expired reports whether the cookie's expiry has passed as of now.
func (c Cookie) Expired(now time.Time) bool {
	return now.After(c.Expiry)
}

// Issue encodes a new cookie for computerID, expiring Expiration from
// clock.Now(), and runs it through binder (use NoopBinder for no
// binding).
func Issue(computerID string, clock clockwork.Clock, binder Binder) []byte {
	payload := encode(computerID, clock.Now().Add(Expiration))
	return binder.Bind(payload)
}

// Decode verifies payload against binder, then extracts the
// NUL-trimmed computerId and expiry. Decode does not itself reject an
// expired cookie — callers decide whether an expired cookie should be
// treated as absent (spec.md leaves re-issuance policy to the
// transport).
func Decode(payload []byte, binder Binder) (Cookie, error) {
	if !binder.Verify(payload) {
		return Cookie{}, fmt.Errorf("cookie: binding verification failed")
	}
	return decode(payload)
}

// encode lays out computerID as UTF-8 bytes followed by a terminating
// NUL, then an 8-byte little-endian Unix expiry timestamp.
func encode(computerID string, expiry time.Time) []byte {
	buf := make([]byte, 0, len(computerID)+1+8)
	buf = append(buf, []byte(computerID)...)
	buf = append(buf, 0)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(expiry.Unix()))
	return append(buf, ts[:]...)
}

func decode(payload []byte) (Cookie, error) {
	if len(payload) < 8 {
		return Cookie{}, fmt.Errorf("cookie: payload too short")
	}
	body, ts := payload[:len(payload)-8], payload[len(payload)-8:]
	nul := bytes.IndexByte(body, 0)
	if nul < 0 {
		return Cookie{}, fmt.Errorf("cookie: missing terminating NUL")
	}
	computerID := string(body[:nul])
	expiry := time.Unix(int64(binary.LittleEndian.Uint64(ts)), 0).UTC()
	return Cookie{ComputerID: computerID, Expiry: expiry}, nil
}
