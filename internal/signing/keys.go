package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Key file names inside the signing key directory.
const (
	PublicKeyFile  = "signing.pub"
	PrivateKeyFile = "signing.key"
	SignatureExt   = ".sig"
)

// GenerateKeyPair creates a new ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SaveKeyPair writes both keys hex encoded into dir.
func SaveKeyPair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, PrivateKeyFile), []byte(hex.EncodeToString(priv)), 0o600)
}

// LoadKeyPair reads the keys written by SaveKeyPair.
func LoadKeyPair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, err := LoadPublicKey(filepath.Join(dir, PublicKeyFile))
	if err != nil {
		return nil, nil, err
	}
	raw, err := readHex(filepath.Join(dir, PrivateKeyFile))
	if err != nil {
		return nil, nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, nil, errors.New("signing: invalid private key size")
	}
	return pub, ed25519.PrivateKey(raw), nil
}

// LoadPublicKey reads a hex encoded public key.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("signing: invalid public key size")
	}
	return ed25519.PublicKey(raw), nil
}

// Sign returns the hex signature of data.
func Sign(priv ed25519.PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, data))
}

// Verify checks a hex signature against data.
func Verify(pub ed25519.PublicKey, data []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil {
		return false, fmt.Errorf("signing: decode signature: %w", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifyFile checks file against the signature stored in sigPath.
func VerifyFile(pub ed25519.PublicKey, path, sigPath string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return false, err
	}
	return Verify(pub, data, string(sig))
}

func readHex(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("signing: decode %s: %w", filepath.Base(path), err)
	}
	return raw, nil
}
