// Command roomtoken mints identity and room-access tokens for local testing
// and operator tooling. Secrets come from the same environment variables the
// server reads, so a minted token is valid against a locally running node.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"bracketsync.org/internal/token"
)

func main() {
	var (
		kind       = flag.String("kind", "room", "token kind: identity or room")
		subject    = flag.String("subject", "", "subject (user id)")
		org        = flag.String("org", "", "organization id")
		orgSlug    = flag.String("org-slug", "", "organization slug (identity tokens)")
		role       = flag.String("role", "member", "role claim (identity tokens)")
		tournament = flag.String("tournament", "", "tournament id (room tokens)")
		perms      = flag.String("perms", "read", "comma-separated permissions (room tokens)")
		ttl        = flag.Duration("ttl", time.Hour, "token lifetime")
	)
	flag.Parse()

	switch *kind {
	case "identity":
		secret := os.Getenv("COLLAB_IDENTITY_SECRET")
		if secret == "" {
			log.Fatal("COLLAB_IDENTITY_SECRET is not set")
		}
		tok, err := token.SignIdentity([]byte(secret), *subject, *org, *orgSlug, *role, *ttl)
		if err != nil {
			log.Fatalf("sign identity: %v", err)
		}
		fmt.Println(tok)
	case "room":
		secret := os.Getenv("COLLAB_ROOM_SECRET")
		if secret == "" {
			log.Fatal("COLLAB_ROOM_SECRET is not set")
		}
		permList := strings.Split(*perms, ",")
		tok, err := token.SignRoomAccess([]byte(secret), *subject, *org, *tournament, permList, *ttl)
		if err != nil {
			log.Fatalf("sign room access: %v", err)
		}
		fmt.Println(tok)
	default:
		log.Fatalf("unknown token kind %q", *kind)
	}
}
