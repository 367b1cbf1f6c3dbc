// Package main is a smoke-test utility that verifies the server's HTTP API is
// reachable and returning valid responses. It hits the health endpoint and a
// metadata lookup and prints the status codes and bodies, making it useful
// for quick post-deployment checks without needing external tooling like curl
// or a full integration test suite.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
)

func main() {
	base := os.Getenv("UPS_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	slug := "my-plugin"
	if len(os.Args) > 1 {
		slug = os.Args[1]
	}

	check(base + "/healthz")
	check(base + "/updatepulse-server-update-api/get_metadata?package_id=" + slug)
}

func check(url string) {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Printf("GET %s failed: %v\n", url, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading body: %v\n", err)
		return
	}

	fmt.Printf("GET %s\nStatus: %d\nResponse:\n%s\n\n", url, resp.StatusCode, string(body))
}
