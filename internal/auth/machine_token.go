package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const machineTokenPrefix = "occ_"

// Machine tokens are long-lived bearer tokens for scripts. Only their SHA-256
// digests are configured (auth.machine_token_hashes).
type MachineTokens struct {
	hashes []string
}

func NewMachineTokens(hashes []string) *MachineTokens {
	return &MachineTokens{hashes: append([]string(nil), hashes...)}
}

// GenerateMachineToken returns a new token occ_<uuid>_<secret> and its digest.
func GenerateMachineToken() (string, string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	token := fmt.Sprintf("%s%s_%s", machineTokenPrefix, uuid.New(), hex.EncodeToString(secret))
	return token, HashMachineToken(token), nil
}

func HashMachineToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IsMachineToken checks the shape of token without looking it up.
func IsMachineToken(token string) bool {
	return strings.HasPrefix(token, machineTokenPrefix) && len(token) >= len(machineTokenPrefix)+36+1+64
}

// Valid reports whether token is one of the configured machine tokens.
func (m *MachineTokens) Valid(token string) bool {
	if !IsMachineToken(token) {
		return false
	}
	digest := []byte(HashMachineToken(token))
	for _, h := range m.hashes {
		if subtle.ConstantTimeCompare(digest, []byte(strings.ToLower(h))) == 1 {
			return true
		}
	}
	return false
}
