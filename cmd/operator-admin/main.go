package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"market-analytics/internal/auth"
)

func main() {
	fmt.Println("========================================")
	fmt.Println(" Operator Administration Tool")
	fmt.Println("========================================")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Println("\nOptions:")
		fmt.Println("  1. Hash an operator password")
		fmt.Println("  2. Mint a test operator token")
		fmt.Println("  3. Exit")
		fmt.Print("\nSelect option: ")

		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		switch input {
		case "1":
			hashPassword(reader)
		case "2":
			mintToken(reader)
		case "3":
			fmt.Println("Goodbye!")
			os.Exit(0)
		default:
			fmt.Println("Invalid option")
		}
	}
}

func hashPassword(reader *bufio.Reader) {
	fmt.Println("\n--- Hash Operator Password ---")
	fmt.Print("Password: ")

	input, _ := reader.ReadString('\n')
	password := strings.TrimSpace(input)
	if password == "" {
		fmt.Println("Password must not be empty")
		return
	}

	hash, err := auth.HashOperatorPassword(password)
	if err != nil {
		fmt.Printf("Failed to hash password: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Println("Set this as AUTH_OPERATOR_PASSWORD_HASH")
	fmt.Println("(or auth.operator_password_hash in config.json):")
	fmt.Println()
	fmt.Println(hash)
	fmt.Println("========================================")
}

func mintToken(reader *bufio.Reader) {
	fmt.Println("\n--- Mint Test Operator Token ---")
	fmt.Print("JWT secret: ")

	input, _ := reader.ReadString('\n')
	secret := strings.TrimSpace(input)
	if secret == "" {
		fmt.Println("Secret must not be empty")
		return
	}

	manager := auth.NewJWTManager(secret, 15*time.Minute)
	token, err := manager.GenerateToken()
	if err != nil {
		fmt.Printf("Failed to mint token: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Println("Bearer token (valid 15m):")
	fmt.Println()
	fmt.Println(token)
	fmt.Println("========================================")
}
