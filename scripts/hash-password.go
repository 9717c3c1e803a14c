package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// Prints an ADMIN_PASSWORD_HASH line for the given admin password.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-password.go <admin-password>\n")
		os.Exit(1)
	}

	password := os.Args[1]
	if len(password) < 12 {
		fmt.Fprintf(os.Stderr, "Error: admin password must be at least 12 characters\n")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ADMIN_PASSWORD_HASH='%s'\n", hash)
}
