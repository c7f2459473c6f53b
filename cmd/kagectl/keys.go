package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kage/internal/auth"
)

func newKeygenCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair for signing tokens",
		Long: `Write private.pem and public.pem to --dir. Point the server at the
public key with KAGE_JWT_PUBLIC_KEY; keep the private key with whoever issues tokens.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("create key directory: %w", err)
			}
			priv, pub, err := auth.GenerateKeyFiles(dir)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key:  %s\n", priv, pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "output directory")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		subject, role, privPath, pubPath string
		ttl                              time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for a service or operator",
		Long: `Sign a JWT locally with the private key. Service tokens may evaluate and
report feedback; operator tokens may also manage rules and run jobs.

Example:
  kagectl token --subject checkout-api --role service --ttl 720h \
    --private-key keys/private.pem --public-key keys/public.pem`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := auth.Role(role)
			if !r.Valid() {
				return fmt.Errorf("unknown role %q, want %s or %s", role, auth.RoleService, auth.RoleOperator)
			}
			mgr, err := auth.NewJWTManager(privPath, pubPath, ttl)
			if err != nil {
				return err
			}
			token, exp, err := mgr.IssueToken(subject, r, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, used as the rate limit key")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleService), "service or operator")
	cmd.Flags().StringVar(&privPath, "private-key", "private.pem", "Ed25519 private key PEM")
	cmd.Flags().StringVar(&pubPath, "public-key", "public.pem", "Ed25519 public key PEM")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
