// Command devtoken mints an HS256 access token for running the realtime
// sidecar against a local broker.
package main

import (
	"flag"
	"fmt"
	"log"

	commonauth "crm_realtime/client/common/auth"
	cmnenv "crm_realtime/client/common/env"
)

func main() {
	userID := flag.String("user", "u1", "user id")
	tenantID := flag.String("tenant", "t1", "tenant id")
	role := flag.String("role", "agent", "role claim")
	name := flag.String("name", "", "display name")
	flag.Parse()

	auth := commonauth.NewService(
		cmnenv.String("JWT_SECRET", "change-me-in-production"),
		cmnenv.Int("JWT_TTL_MINUTES", 1440),
	)
	token, err := auth.GenerateToken(*userID, *tenantID, *role, *name)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Println(token)
}
