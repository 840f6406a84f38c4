// Command token issues a signed bearer token for local use and smoke tests.
// Identity management lives outside this service; tokens carry only the
// user id and role.
package main

import (
	"flag"
	"fmt"
	"log"

	"ledger/internal/auth"
	"ledger/internal/config"
)

func main() {
	cfg := config.Load()
	userID := flag.String("user", "", "user id placed in the token")
	role := flag.String("role", auth.RoleCustomer, "customer or operator")
	ttl := flag.Duration("ttl", cfg.TokenTTL, "token lifetime")
	flag.Parse()

	if *userID == "" {
		log.Fatal("-user is required")
	}
	if *role != auth.RoleCustomer && *role != auth.RoleOperator {
		log.Fatalf("unknown role %q", *role)
	}
	token, err := auth.GenerateToken(cfg.JWTSecret, *userID, *role, *ttl)
	if err != nil {
		log.Fatalf("failed to sign token: %v", err)
	}
	fmt.Println(token)
}
