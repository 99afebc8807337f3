package dmarket

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// SignaturePrefix precedes the hex signature in the X-Request-Sign header.
const SignaturePrefix = "dmar ed25519 "

// Signer signs dmarket API requests with an ed25519 key.
type Signer struct {
	publicKey  string
	privateKey ed25519.PrivateKey
}

// NewSigner accepts the hex public key and the hex private key, either the
// 32-byte seed or the full 64-byte key.
func NewSigner(publicKeyHex, secretKeyHex string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(secretKeyHex))
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret key: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("secret key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}

	derived := hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	publicKeyHex = strings.ToLower(strings.TrimSpace(publicKeyHex))
	if publicKeyHex == "" {
		publicKeyHex = derived
	} else if publicKeyHex != derived {
		return nil, fmt.Errorf("public key does not match secret key")
	}

	return &Signer{publicKey: publicKeyHex, privateKey: priv}, nil
}

func (s *Signer) PublicKey() string { return s.publicKey }

// Sign returns the X-Request-Sign value for one request.
func (s *Signer) Sign(method, pathWithQuery string, body []byte, timestamp int64) string {
	msg := StringToSign(method, pathWithQuery, body, timestamp)
	sig := ed25519.Sign(s.privateKey, []byte(msg))
	return SignaturePrefix + hex.EncodeToString(sig)
}

// StringToSign concatenates method, path with query, body and unix timestamp.
func StringToSign(method, pathWithQuery string, body []byte, timestamp int64) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteString(pathWithQuery)
	b.Write(body)
	b.WriteString(strconv.FormatInt(timestamp, 10))
	return b.String()
}

// Verify checks a signature header against the public key.
func Verify(publicKeyHex, header, method, pathWithQuery string, body []byte, timestamp int64) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	if !strings.HasPrefix(header, SignaturePrefix) {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(header, SignaturePrefix))
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(StringToSign(method, pathWithQuery, body, timestamp)), sig)
}

// GenerateKeyPair returns a hex public key and a hex 64-byte private key.
func GenerateKeyPair() (publicKey string, secretKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key pair: %w", err)
	}
	return hex.EncodeToString(pub), hex.EncodeToString(priv), nil
}
