package license

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/google/uuid"

	licenseErrors "keymint/internal/errors"
)

// Token format: KM1 <payload> <signature> <checksum>, all Crockford base32.
// The payload carries everything an offline validator needs; the checksum
// segment catches transcription errors before any signature work happens.
const (
	tokenPrefix  = "KM1"
	tokenVersion = 1

	payloadRawLen = 49 // version(1) + id(16) + product(8) + customer(8) + expiry(8) + nonce(8)
	sigRawLen     = 64 // ed25519 signature
	checkRawLen   = 4  // CRC-32C over payload+signature

	payloadEncLen = 79  // base32, no padding
	sigEncLen     = 103
	checkEncLen   = 7

	tokenBodyLen = payloadEncLen + sigEncLen + checkEncLen
	tokenFullLen = len(tokenPrefix) + tokenBodyLen
)

// crockford excludes I, L, O and U so keys survive handwriting and dictation
var crockford = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// TokenPayload is the decoded, signed portion of a license key
type TokenPayload struct {
	Version        uint8
	LicenseID      uuid.UUID
	ProductDigest  [8]byte
	CustomerDigest [8]byte
	ExpiresAt      *time.Time
	Nonce          [8]byte
}

// Digest derives the 8-byte identifier digest embedded in tokens.
// Raw product and customer ids never appear in the key material.
func Digest(id string) [8]byte {
	sum := sha256.Sum256([]byte(id))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

func (p *TokenPayload) marshal() []byte {
	buf := make([]byte, payloadRawLen)
	buf[0] = p.Version
	copy(buf[1:17], p.LicenseID[:])
	copy(buf[17:25], p.ProductDigest[:])
	copy(buf[25:33], p.CustomerDigest[:])
	var expiry int64
	if p.ExpiresAt != nil {
		expiry = p.ExpiresAt.Unix()
	}
	binary.BigEndian.PutUint64(buf[33:41], uint64(expiry))
	copy(buf[41:49], p.Nonce[:])
	return buf
}

func unmarshalPayload(buf []byte) (*TokenPayload, error) {
	if len(buf) != payloadRawLen {
		return nil, licenseErrors.ErrMalformedKey
	}
	p := &TokenPayload{Version: buf[0]}
	if p.Version != tokenVersion {
		return nil, licenseErrors.ErrMalformedKey
	}
	copy(p.LicenseID[:], buf[1:17])
	copy(p.ProductDigest[:], buf[17:25])
	copy(p.CustomerDigest[:], buf[25:33])
	if expiry := int64(binary.BigEndian.Uint64(buf[33:41])); expiry != 0 {
		t := time.Unix(expiry, 0).UTC()
		p.ExpiresAt = &t
	}
	copy(p.Nonce[:], buf[41:49])
	return p, nil
}

// EncodeToken assembles the canonical dash-free token string
func EncodeToken(payload, sig []byte) (string, error) {
	if len(payload) != payloadRawLen || len(sig) != sigRawLen {
		return "", fmt.Errorf("invalid token material: payload=%d sig=%d", len(payload), len(sig))
	}
	check := make([]byte, checkRawLen)
	sum := crc32.Checksum(append(append([]byte{}, payload...), sig...), crcTable)
	binary.BigEndian.PutUint32(check, sum)

	var b strings.Builder
	b.WriteString(tokenPrefix)
	b.WriteString(crockford.EncodeToString(payload))
	b.WriteString(crockford.EncodeToString(sig))
	b.WriteString(crockford.EncodeToString(check))
	return b.String(), nil
}

// ParsedToken holds the decoded segments of a well-formed key
type ParsedToken struct {
	Payload    *TokenPayload
	PayloadRaw []byte
	Signature  []byte
}

// ParseToken normalizes and decodes a license key. It returns
// ErrMalformedKey for anything that fails before signature verification;
// signature checking is the caller's job so parse errors never mask
// tampering and vice versa.
func ParseToken(key string) (*ParsedToken, error) {
	normalized := NormalizeKey(key)
	if len(normalized) != tokenFullLen || !strings.HasPrefix(normalized, tokenPrefix) {
		return nil, licenseErrors.ErrMalformedKey
	}
	body := normalized[len(tokenPrefix):]

	payloadRaw, err := crockford.DecodeString(body[:payloadEncLen])
	if err != nil {
		return nil, licenseErrors.ErrMalformedKey
	}
	sig, err := crockford.DecodeString(body[payloadEncLen : payloadEncLen+sigEncLen])
	if err != nil {
		return nil, licenseErrors.ErrMalformedKey
	}
	check, err := crockford.DecodeString(body[payloadEncLen+sigEncLen:])
	if err != nil || len(check) != checkRawLen {
		return nil, licenseErrors.ErrMalformedKey
	}

	want := binary.BigEndian.Uint32(check)
	got := crc32.Checksum(append(append([]byte{}, payloadRaw...), sig...), crcTable)
	if want != got {
		return nil, licenseErrors.ErrMalformedKey
	}

	payload, err := unmarshalPayload(payloadRaw)
	if err != nil {
		return nil, err
	}
	return &ParsedToken{Payload: payload, PayloadRaw: payloadRaw, Signature: sig}, nil
}

// NormalizeKey canonicalizes user input: separators stripped, uppercase,
// Crockford aliases folded (O reads as 0, I and L as 1).
func NormalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToUpper(strings.TrimSpace(key)) {
		switch r {
		case '-', ' ', '\t':
			continue
		case 'O':
			b.WriteRune('0')
		case 'I', 'L':
			b.WriteRune('1')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatKey renders a token with dash groups for human copying
func FormatKey(token string) string {
	normalized := NormalizeKey(token)
	if len(normalized) <= len(tokenPrefix) {
		return normalized
	}
	body := normalized[len(tokenPrefix):]
	var groups []string
	for len(body) > 8 {
		groups = append(groups, body[:8])
		body = body[8:]
	}
	if len(body) > 0 {
		groups = append(groups, body)
	}
	return tokenPrefix + "-" + strings.Join(groups, "-")
}
