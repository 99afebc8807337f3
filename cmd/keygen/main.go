package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"csgo-arbiter/internal/services/dmarket"
)

// generateKeys writes a fresh ed25519 key pair as hex files into outputDir.
func generateKeys(outputDir string) error {
	publicKey, secretKey, err := dmarket.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	publicKeyFile := filepath.Join(outputDir, "public_key.hex")
	secretKeyFile := filepath.Join(outputDir, "secret_key.hex")
	if err := os.WriteFile(publicKeyFile, []byte(publicKey), 0o644); err != nil {
		return fmt.Errorf("save public key: %w", err)
	}
	log.Printf("public key saved to %s", publicKeyFile)
	if err := os.WriteFile(secretKeyFile, []byte(secretKey), 0o600); err != nil {
		return fmt.Errorf("save secret key: %w", err)
	}
	log.Printf("secret key saved to %s", secretKeyFile)

	log.Printf("public key: %s", publicKey)
	log.Println("set ARB_MARKET_API_KEY to the public key and ARB_MARKET_SECRET_KEY to the secret key")
	return nil
}

// testSign signs a sample request and verifies it with the derived public key.
func testSign(secretKeyFile string) error {
	raw, err := os.ReadFile(secretKeyFile)
	if err != nil {
		return fmt.Errorf("read secret key: %w", err)
	}
	signer, err := dmarket.NewSigner("", strings.TrimSpace(string(raw)))
	if err != nil {
		return err
	}

	method, path := "GET", "/account/v1/balance"
	ts := time.Now().Unix()
	log.Printf("string to sign: %s", dmarket.StringToSign(method, path, nil, ts))

	sig := signer.Sign(method, path, nil, ts)
	log.Printf("X-Api-Key: %s", signer.PublicKey())
	log.Printf("X-Sign-Date: %d", ts)
	log.Printf("X-Request-Sign: %s", sig)

	if !dmarket.Verify(signer.PublicKey(), sig, method, path, nil, ts) {
		return fmt.Errorf("signature does not verify")
	}
	log.Println("signature verified")
	return nil
}

func main() {
	generateCmd := flag.NewFlagSet("generate", flag.ExitOnError)
	generateOutput := generateCmd.String("output", "./keys", "output directory")

	testCmd := flag.NewFlagSet("test", flag.ExitOnError)
	testSecretKeyFile := testCmd.String("secretkey", "./keys/secret_key.hex", "secret key file")

	if len(os.Args) < 2 {
		fmt.Println("ed25519 key tool for signed marketplace requests")
		fmt.Println("\nusage:")
		fmt.Println("  keygen generate -output <dir>")
		fmt.Println("  keygen test -secretkey <file>")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		_ = generateCmd.Parse(os.Args[2:])
		if err := generateKeys(*generateOutput); err != nil {
			log.Fatalf("key generation failed: %v", err)
		}
	case "test":
		_ = testCmd.Parse(os.Args[2:])
		if err := testSign(*testSecretKeyFile); err != nil {
			log.Fatalf("signing test failed: %v", err)
		}
	default:
		fmt.Println("unknown command:", os.Args[1])
		os.Exit(1)
	}
}
