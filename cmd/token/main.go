// Command token prints a bearer token signed with JWT_SECRET, for local
// testing against the server.
//
//	JWT_SECRET=dev go run ./cmd/token -user user-1
//	JWT_SECRET=dev go run ./cmd/token -user ops -role admin -ttl 24h
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
)

func main() {
	user := flag.String("user", "", "user id (required)")
	role := flag.String("role", api.RoleUser, "user or admin")
	ttl := flag.Duration("ttl", 2*time.Hour, "token lifetime")
	flag.Parse()

	config.LoadEnv()
	secret := config.GetEnv("JWT_SECRET", "")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	token, err := api.NewAuthenticator(secret).IssueToken(*user, *role, *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}
