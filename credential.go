package netbroker

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// AuthMode selects which handshake challenge the Manager issues to a
// connecting peer (spec.md §4.3).
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthHostname
	AuthPassword
	AuthFingerprint
)

func (m AuthMode) String() string {
	switch m {
	case AuthHostname:
		return "hostname"
	case AuthPassword:
		return "password"
	case AuthFingerprint:
		return "fingerprint"
	default:
		return "none"
	}
}

const (
	pbkdf2SaltSize   = 16
	pbkdf2KeySize    = 32
	pbkdf2Iterations = 100000
)

// HashPassword derives a PBKDF2-HMAC-SHA256 key for password, matching
// original_source/msl/network/database.py's UsersTable (100,000
// iterations, 16-byte salt, 32-byte key, SHA-256). Named the way the
// teacher names its jwt.go signing helpers (SignHS512/VerifyHS512):
// one verb-first function per direction.
func HashPassword(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeySize, sha256.New)
}

func NewSalt() ([]byte, error) {
	salt := make([]byte, pbkdf2SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// VerifyPassword recomputes the PBKDF2 key for password against salt
// and compares it to key in constant time.
func VerifyPassword(password string, salt, key []byte) bool {
	derived := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(derived, key) == 1
}

// Fingerprint renders a certificate's SHA-256 fingerprint as a plain
// hex string (spec.md §3, §4.2: "hex SHA-256 of the DER-encoded
// certificate" / "the TLS peer certificate's SHA-256 fingerprint"),
// unlike the original implementation's cryptography.py:get_fingerprint,
// which defaults to SHA-1 with colon-separated hex.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// PeerCertificateFingerprint extracts the fingerprint of the leaf
// certificate a TLS peer presented, or "" if none was presented (the
// Manager did not request client certificates).
func PeerCertificateFingerprint(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return Fingerprint(state.PeerCertificates[0])
}

// Backend is implemented by every credential store a Manager can be
// configured with (spec.md §4.3). A Backend answers the three
// questions the handshake state machine needs: is this a trusted
// hostname, does this TLS peer's certificate fingerprint match the
// allow-list, and does this username/password pair authenticate.
type Backend interface {
	Mode() AuthMode
	CheckHostname(hostname string) bool
	CheckFingerprint(fingerprint string) bool
	Authenticate(username, password string) (admin bool, err error)
}

// NoAuthBackend admits every peer unconditionally. Used when a Manager
// is configured with auth: none.
type NoAuthBackend struct{}

func (NoAuthBackend) Mode() AuthMode                           { return AuthNone }
func (NoAuthBackend) CheckHostname(string) bool                { return true }
func (NoAuthBackend) CheckFingerprint(string) bool             { return true }
func (NoAuthBackend) Authenticate(string, string) (bool, error) { return false, nil }

// HostnameBackend authenticates by address allow-list only, matching
// original_source/msl/network/database.py's HostnamesTable.
type HostnameBackend struct {
	allowed map[string]struct{}
}

func NewHostnameBackend(hostnames []string) *HostnameBackend {
	b := &HostnameBackend{allowed: make(map[string]struct{}, len(hostnames))}
	for _, h := range hostnames {
		b.allowed[h] = struct{}{}
	}
	return b
}

func (b *HostnameBackend) Mode() AuthMode { return AuthHostname }

func (b *HostnameBackend) CheckHostname(hostname string) bool {
	_, ok := b.allowed[hostname]
	return ok
}

func (b *HostnameBackend) CheckFingerprint(string) bool { return false }

func (b *HostnameBackend) Authenticate(string, string) (bool, error) {
	return false, fmt.Errorf("hostname backend does not support password authentication")
}

// FingerprintBackend authenticates a TLS peer by the SHA-256 fingerprint
// of the certificate it presented (spec.md §4.2), matching the
// hostname/fingerprint allow-list shape of original_source's
// database.py, with the digest upgraded from the original's SHA-1
// default to the SHA-256 the spec mandates.
type FingerprintBackend struct {
	allowed map[string]struct{}
}

func NewFingerprintBackend(fingerprints []string) *FingerprintBackend {
	b := &FingerprintBackend{allowed: make(map[string]struct{}, len(fingerprints))}
	for _, fp := range fingerprints {
		b.allowed[strings.ToLower(fp)] = struct{}{}
	}
	return b
}

func (b *FingerprintBackend) Mode() AuthMode            { return AuthFingerprint }
func (b *FingerprintBackend) CheckHostname(string) bool { return false }

func (b *FingerprintBackend) CheckFingerprint(fingerprint string) bool {
	_, ok := b.allowed[strings.ToLower(fingerprint)]
	return ok
}

func (b *FingerprintBackend) Authenticate(string, string) (bool, error) {
	return false, fmt.Errorf("fingerprint backend does not support password authentication")
}
