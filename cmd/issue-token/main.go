package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pimssync/pkg/auth"
)

// Mints a service token for the sync API, signed with API_JWT_SECRET
func main() {
	service := flag.String("service", "", "service name (token subject)")
	scopes := flag.String("scopes", auth.ScopeSyncTrigger+","+auth.ScopeSyncRead, "comma-separated scopes")
	clinics := flag.String("clinics", "", "comma-separated clinic ids (empty for all)")
	expiry := flag.Duration("expiry", 30*24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	tokens, err := auth.NewServiceTokenAuth(os.Getenv("API_JWT_SECRET"), *expiry)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	token, err := tokens.IssueToken(*service, splitList(*scopes), splitList(*clinics))
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	fmt.Println(token)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
