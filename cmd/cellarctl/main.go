// Package main provides cellarctl, the operator CLI for the cellar server.
// It talks to the server's HTTP API; it never touches the database.
package main

import (
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
