// Package fingerprint derives the anonymous credential hash that stands in
// for a voter's raw secrets everywhere past the ingestion handler. The raw
// identifier and code never leave that handler; queue payloads, audit rows
// and tally rows only ever see the fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Length is the size in characters of a hex-encoded fingerprint.
const Length = 64

var (
	nasRx         = regexp.MustCompile(`^[0-9]{9}$`)
	codeRx        = regexp.MustCompile(`^[A-Za-z0-9]{6}$`)
	fingerprintRx = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Fingerprint is a 64-character lowercase hex SHA-256 digest binding a voter
// credential to a single ballot scope.
type Fingerprint string

// Compute derives the fingerprint for a credential pair and a ballot scope.
// The code is case-normalized to upper before hashing, so "abc123" and
// "ABC123" produce the same fingerprint. The caller is responsible for
// validating the inputs first.
func Compute(nas, code, scope string) Fingerprint {
	sum := sha256.Sum256([]byte(nas + "|" + strings.ToUpper(code) + "|" + scope))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// ElectionScope builds the scope identifier for a candidate election. Law
// votes use the referendum's ballot ID directly as the scope.
func ElectionScope(electionID int64) string {
	return fmt.Sprintf("election:%d", electionID)
}

// ValidNAS reports whether nas is exactly nine decimal digits.
func ValidNAS(nas string) bool {
	return nasRx.MatchString(nas)
}

// ValidCode reports whether code is exactly six alphanumeric characters.
func ValidCode(code string) bool {
	return codeRx.MatchString(code)
}

// Valid reports whether f is a well-formed fingerprint, i.e. 64 lowercase
// hex characters. It says nothing about membership in the valid set.
func (f Fingerprint) Valid() bool {
	return fingerprintRx.MatchString(string(f))
}

func (f Fingerprint) String() string {
	return string(f)
}
