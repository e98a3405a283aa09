package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/password"
	"github.com/MrEthical07/authgate/store/pg"
	"github.com/spf13/cobra"
)

const adminTimeout = 30 * time.Second

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the identities table if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := withTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
}

func newCreateIdentityCmd(flags *globalFlags) *cobra.Command {
	var (
		email  string
		role   string
		status string
	)
	cmd := &cobra.Command{
		Use:   "create-identity",
		Short: "Create an identity; the password is read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if email == "" {
				return errors.New("--email is required")
			}
			st := authgate.IdentityStatus(status)
			switch st {
			case authgate.StatusActive, authgate.StatusPending, authgate.StatusSuspended:
			default:
				return fmt.Errorf("unknown status %q", status)
			}

			cfg, err := flags.load()
			if err != nil {
				return err
			}
			hasher, err := password.NewHasher(cfg.Auth.Password)
			if err != nil {
				return err
			}
			plaintext, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			hash, err := hasher.Hash(plaintext)
			if err != nil {
				return err
			}

			store, err := openStore(cmd, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := withTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			ident, err := store.Create(ctx, email, hash, st, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ident.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "login email")
	cmd.Flags().StringVar(&role, "role", "member", "role name")
	cmd.Flags().StringVar(&status, "status", string(authgate.StatusActive), "active | pending | suspended")
	return cmd
}

func newHashPasswordCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print the argon2id hash of the password read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Only the password section is needed; secrets may be absent here.
			pcfg := authgate.DefaultConfig().Password
			if cfg, err := flags.load(); err == nil {
				pcfg = cfg.Auth.Password
			}
			hasher, err := password.NewHasher(pcfg)
			if err != nil {
				return err
			}
			plaintext, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			hash, err := hasher.Hash(plaintext)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newGenSecretCmd() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "gen-secret",
		Short: "Print a random base64 secret for token signing or the TOTP sealing key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if size < 32 {
				return errors.New("--bytes must be at least 32")
			}
			buf := make([]byte, size)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(buf))
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "bytes", 32, "number of random bytes")
	return cmd
}

func openStore(cmd *cobra.Command, flags *globalFlags) (*pg.Store, error) {
	cfg, err := flags.load()
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.DSN == "" {
		return nil, errors.New("AUTHGATE_POSTGRES_DSN is required")
	}
	hasher, err := password.NewHasher(cfg.Auth.Password)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(cmd.Context(), adminTimeout)
	defer cancel()
	return pg.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.Pool, hasher)
}

// readSecret reads the first line of r without its line ending.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password on stdin")
	}
	return line, nil
}
