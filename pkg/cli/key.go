package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"leaselock/pkg/auth"
	"leaselock/pkg/keystore"
)

func (a *app) keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the shared signing secret",
		Long: `Every machine taking part in an election must hold the same secret. Generate
it once, then copy it to the others with 'key export' and 'key import'.
LEASELOCK_SECRET overrides the key file when set.`,
	}

	var force bool
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Create a new secret in the key file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.keyPath()
			if err != nil {
				return err
			}
			if _, err := keystore.Generate(path, force); err != nil {
				return err
			}
			if a.jsonOutput {
				return a.outputJSON(map[string]any{"path": path, "generated": true})
			}
			a.printf("Secret written to %s\n", path)
			return nil
		},
	}
	generate.Flags().BoolVar(&force, "force", false, "replace an existing key")

	export := &cobra.Command{
		Use:   "export",
		Short: "Print the encoded secret for transfer to another machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.keyPath()
			if err != nil {
				return err
			}
			encoded, err := keystore.Export(path)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.outputJSON(map[string]any{"path": path, "key": encoded})
			}
			fmt.Fprintln(a.stdout, encoded)
			return nil
		},
	}

	imp := &cobra.Command{
		Use:   "import [encoded | -]",
		Short: "Install a secret exported from another machine",
		Long: `import reads the encoded secret from standard input when the argument is "-"
or omitted, which keeps it out of shell history and the process list.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.keyPath()
			if err != nil {
				return err
			}
			encoded, err := readSecretArg(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if _, err := keystore.Import(path, encoded); err != nil {
				return err
			}
			if a.jsonOutput {
				return a.outputJSON(map[string]any{"path": path, "imported": true})
			}
			a.printf("Secret imported to %s\n", path)
			return nil
		},
	}

	var (
		ttl     time.Duration
		subject string
	)
	token := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a watcher started with --require-token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig("")
			if err != nil {
				return err
			}
			key, err := loadKey(cfg, zap.NewNop(), true)
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokenService(key)
			if err != nil {
				return err
			}
			signed, err := tokens.Issue(subject, cfg.MachineID, ttl)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.outputJSON(map[string]any{"token": signed, "expires_in": ttl.String()})
			}
			fmt.Fprintln(a.stdout, signed)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	token.Flags().StringVar(&subject, "subject", "status", "who the token is for")

	cmd.AddCommand(generate, export, imp, token)
	return cmd
}

// readSecretArg returns the single argument, or the first line of in for "-" or none.
func readSecretArg(in io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// keyPath resolves the key file from config without touching any backend.
func (a *app) keyPath() (string, error) {
	cfg, err := a.loadConfig("")
	if err != nil {
		return "", err
	}
	return cfg.KeyPath, nil
}
