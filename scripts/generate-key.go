// Package main is a development utility for generating a test API key with
// its bcrypt hash and display prefix pre-computed. It prints the raw key,
// hash, prefix, and a ready-to-run SQL INSERT so developers can quickly seed
// a usable API key in a local database without running the full server flow.
// Do not use generated keys in production; create keys through the admin API
// with proper expiry and scope settings.
package main

import (
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/updatepulse/updatepulse-server/internal/auth"
)

func main() {
	fullKey, hash, displayPrefix, err := auth.GenerateAPIKey()
	if err != nil {
		log.Fatal(err)
	}

	id := uuid.New().String()

	fmt.Println("==========================================================")
	fmt.Println("API Key Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nFull Key: %s\n", fullKey)
	fmt.Printf("\nHash: %s\n", hash)
	fmt.Printf("\nDisplay Prefix: %s\n", displayPrefix)
	fmt.Println("\n==========================================================")
	fmt.Println("SQL Insert:")
	fmt.Println("==========================================================")
	fmt.Printf(`
INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, ip_allowlist, created_at)
VALUES ('%s', 'dev-key', '%s', '%s', '["all"]', '[]', NOW());
`, id, hash, displayPrefix)
	fmt.Println("\n==========================================================")
	fmt.Printf("Authorization Header: Bearer %s\n", fullKey)
	fmt.Println("==========================================================")
}
