// Package main is a diagnostic tool for testing database connectivity and
// inspecting live server data. It connects to the database, summarizes the
// licenses and api_keys tables, and prints the result to stdout. The binary
// exits with a non-zero code on any failure so it can be embedded in health
// checks or CI/CD pipeline steps to gate deployments on a reachable database.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	dbPassword := os.Getenv("DATABASE_PASSWORD")
	if dbPassword == "" {
		dbPassword = "updatepulse"
	}

	connStr := fmt.Sprintf("host=localhost port=5432 user=updatepulse password=%s dbname=updatepulse sslmode=disable", dbPassword)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	fmt.Println("=== LICENSES ===")
	rows, err := db.Query("SELECT id, license_key, status, package_slug FROM licenses ORDER BY id")
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	defer rows.Close()

	licenseCount := 0
	for rows.Next() {
		var id int64
		var key, status, slug string
		if err := rows.Scan(&id, &key, &status, &slug); err != nil {
			log.Printf("Warning: failed to scan license row: %v", err)
			continue
		}
		fmt.Printf("License %d: %s [%s] package=%s\n", id, key, status, slug)
		licenseCount++
	}
	fmt.Printf("Total: %d licenses\n", licenseCount)

	fmt.Println("\n=== API KEYS ===")
	rows2, err := db.Query("SELECT id, name, key_prefix, scopes FROM api_keys ORDER BY created_at")
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	defer rows2.Close()

	keyCount := 0
	for rows2.Next() {
		var id, name, prefix string
		var scopes []byte
		if err := rows2.Scan(&id, &name, &prefix, &scopes); err != nil {
			log.Printf("Warning: failed to scan api key row: %v", err)
			continue
		}
		fmt.Printf("Key %s: %s prefix=%s scopes=%s\n", id, name, prefix, scopes)
		keyCount++
	}
	fmt.Printf("Total: %d api keys\n", keyCount)
}
