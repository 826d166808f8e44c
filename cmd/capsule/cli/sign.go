package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/capsulebuild/capsule/lib/keys"
	"github.com/capsulebuild/capsule/lib/sign"
)

var signKey string

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().StringVarP(&signKey, "key", "k", "", "Fingerprint (or prefix) of the signing key")
}

var signCmd = &cobra.Command{
	Use:   "sign <image>",
	Short: "Sign a packaged image",
	Long: `Creates a detached signature over the image's digest manifest and
embeds it into the archive, replacing any previous signature.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := keyStore()

		var entity *openpgp.Entity
		var err error
		if signKey != "" {
			entity, err = store.FindPrivate(signKey)
		} else {
			entity, err = store.DefaultPrivate()
		}
		if err != nil {
			return err
		}

		passphrase, err := passphraseFor(entity)
		if err != nil {
			return err
		}

		fingerprint, err := sign.Sign(args[0], entity, passphrase, logger)
		if err != nil {
			return err
		}
		fmt.Printf("Signed %s with key %s\n", args[0], fingerprint)
		return nil
	},
}

func keyStore() *keys.Store {
	return keys.NewStore(appPaths.PublicKeyStore(), appPaths.PrivateKeyStore(), logger)
}

// passphraseFor resolves the key passphrase: CAPSULE_PASSPHRASE when set,
// otherwise an interactive prompt. Never argv, never logged.
func passphraseFor(entity *openpgp.Entity) (string, error) {
	if entity.PrivateKey != nil && !entity.PrivateKey.Encrypted {
		return "", nil
	}
	if cfg.Passphrase != "" {
		return cfg.Passphrase, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("key %s needs a passphrase: set CAPSULE_PASSPHRASE or run interactively", keys.Fingerprint(entity))
	}

	fmt.Fprintf(os.Stderr, "Passphrase for key %s: ", keys.Fingerprint(entity))
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
