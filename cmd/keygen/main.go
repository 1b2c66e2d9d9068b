package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/meridianauth/meridian/internal/crypto"
	"github.com/meridianauth/meridian/internal/keys"
)

// keygen prints fresh secrets for a new deployment: an RSA signing key
// pair, the HS256 internal-token secret and the tenant database
// encryption key.
func main() {
	kid, publicPEM, privatePEM, err := keys.GenerateKeyPair()
	if err != nil {
		fmt.Printf("Failed to generate signing key: %v\n", err)
		os.Exit(1)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		fmt.Printf("Failed to generate JWT secret: %v\n", err)
		os.Exit(1)
	}
	encKey, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Failed to generate encryption key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("JWT_SECRET=%s\n", base64.StdEncoding.EncodeToString(secret))
	fmt.Printf("TENANT_DB_ENCRYPTION_KEY=%s\n", encKey)
	fmt.Println("--------------------------------")
	fmt.Printf("Signing key %s (insert into signing_keys, or let the server bootstrap one):\n\n", kid)
	fmt.Println(publicPEM)
	fmt.Println(privatePEM)
}
