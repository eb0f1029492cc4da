// Package main generates the stored form of the admin password for C3_ADMIN_PASSWORD_HASH:
//
//	pbkdf2_sha256$<iterations>$<salt_b64>$<digest_hex>
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MacJediWizard/continuum/internal/auth"
	"github.com/MacJediWizard/continuum/internal/crypto"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

func main() {
	var (
		password   = flag.String("password", "", "Plain password (prompted if empty)")
		iterations = flag.Int("iterations", crypto.DefaultIterations, "PBKDF2 iteration count")
		strict     = flag.Bool("strict", false, "Refuse passwords that fail the plaintext password policy")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	secret := *password
	if secret == "" {
		var err error
		secret, err = prompt("C3 admin password: ")
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read password")
		}
	}
	if secret == "" {
		logger.Fatal().Msg("password_required")
	}

	if ok, reason := auth.CheckPolicy(secret); !ok {
		if *strict {
			logger.Fatal().Str("reason", reason).Msg("password rejected by policy")
		}
		logger.Warn().Str("reason", reason).Msg("password does not meet the plaintext policy")
	}

	hash, err := auth.HashSecret(secret, *iterations)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to hash password")
	}
	fmt.Println(hash)
}

// prompt reads a line without echo when stdin is a terminal.
func prompt(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
