// Package main is a utility for generating bcrypt hashes of API key values.
// The server stores only bcrypt hashes of API keys, never the raw values, so
// this tool is used when manually seeding or verifying API key records in the
// database without running the full server. Pass the raw key as the first
// argument.
package main

import (
	"fmt"
	"os"

	"github.com/updatepulse/updatepulse-server/internal/auth"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <api-key>\n", os.Args[0])
		os.Exit(1)
	}
	key := os.Args[1]

	hash, err := bcrypt.GenerateFromPassword([]byte(key), auth.BcryptCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash failed: %v\n", err)
		os.Exit(1)
	}

	prefix := key
	if len(key) > auth.DisplayPrefixLength {
		prefix = key[:auth.DisplayPrefixLength]
	}

	fmt.Printf("Hash:   %s\n", string(hash))
	fmt.Printf("Prefix: %s\n", prefix)
}
