// Package main is a utility for minting serial keys. The relay stores serial
// keys as single-use rows — redeeming one marks it used and grants a one-year
// license — so this tool is how an operator seeds a batch of keys to hand out
// without running the full server. Keys are printed to stdout, one per line.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/lusky3/underseerr-sub002/internal/config"
	"github.com/lusky3/underseerr-sub002/internal/db"
	"github.com/lusky3/underseerr-sub002/internal/license"
)

// keyAlphabet excludes 0/O and 1/I so keys survive being read aloud.
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func main() {
	count := flag.Int("count", 1, "number of serial keys to generate")
	flag.Parse()

	if err := run(*count); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(count int) error {
	if count < 1 {
		return fmt.Errorf("count must be at least 1")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := license.NewRepository(database)
	ctx := context.Background()

	for i := 0; i < count; i++ {
		key, err := newSerialKey()
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		if err := repo.CreateSerialKey(ctx, key); err != nil {
			return fmt.Errorf("failed to store key: %w", err)
		}
		fmt.Println(key)
	}

	return nil
}

// newSerialKey returns a key in the form XXXX-XXXX-XXXX-XXXX drawn from the
// unambiguous alphabet.
func newSerialKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	out := make([]byte, 0, 19)
	for i, b := range raw {
		if i > 0 && i%4 == 0 {
			out = append(out, '-')
		}
		out = append(out, keyAlphabet[int(b)%len(keyAlphabet)])
	}
	return string(out), nil
}
