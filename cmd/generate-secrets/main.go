package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/railtix/reservation-core/internal/utils"
	"github.com/railtix/reservation-core/pkg/jwt"
)

// Prints a fresh JWT_SECRET, or with -token-for signs an access token with
// the configured secret for operators calling the admin endpoints.
func main() {
	var (
		tokenFor string
		roles    string
		ttl      time.Duration
	)
	flag.StringVar(&tokenFor, "token-for", "", "user id to sign an access token for")
	flag.StringVar(&roles, "roles", jwt.RoleAdmin, "comma separated roles carried by the token")
	flag.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	flag.Parse()

	if tokenFor == "" {
		secret, err := utils.GenerateJWTSecret()
		if err != nil {
			log.Fatalf("Failed to generate secret: %v", err)
		}
		fmt.Println("Add this to your .env file or deployment secrets:")
		fmt.Println()
		fmt.Printf("JWT_SECRET=%s\n", secret)
		return
	}

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	userID, err := uuid.Parse(tokenFor)
	if err != nil {
		log.Fatalf("invalid -token-for: %v", err)
	}

	token, err := jwt.NewService(secret, ttl).GenerateAccessToken(userID, strings.Split(roles, ","))
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
