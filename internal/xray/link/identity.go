package link

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fingerprint generates a stable identifier for the connection parameters.
// Cosmetic fields (Remark) do not take part.
func (s ConnectionSpec) Fingerprint() string {
	var parts []string

	// Endpoint
	parts = append(parts, string(s.Protocol), s.Address, strconv.Itoa(s.Port))

	// Identity
	parts = append(parts, s.UserID, strconv.Itoa(s.AlterID), s.Cipher, s.Encryption, s.Flow)

	// Transport
	parts = append(parts, string(s.Network), s.HeaderType, s.Host, s.Path, s.Mode, s.ServiceName)

	// Security
	parts = append(parts, string(s.Security))
	if s.TLS != nil {
		parts = append(parts, s.TLS.ServerName, s.TLS.Fingerprint, strings.Join(s.TLS.ALPN, ","),
			strconv.FormatBool(s.TLS.AllowInsecure))
	}
	if s.Reality != nil {
		// Reality keys are case-sensitive, keep them as is.
		parts = append(parts, s.Reality.PublicKey, s.Reality.ShortID, s.Reality.SpiderX,
			s.Reality.Fingerprint, s.Reality.ServerName)
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
