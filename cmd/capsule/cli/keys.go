package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	newpairName  string
	newpairEmail string
	keyServerURL string
)

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysNewpairCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysPushCmd)

	keysNewpairCmd.Flags().StringVarP(&newpairName, "name", "n", "", "Owner name for the new key")
	keysNewpairCmd.Flags().StringVarP(&newpairEmail, "email", "e", "", "Owner email for the new key")
	keysPushCmd.Flags().StringVarP(&keyServerURL, "url", "u", "https://keys.openpgp.org", "HKP key server to push to")
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage signing key pairs",
}

var keysNewpairCmd = &cobra.Command{
	Use:   "newpair",
	Short: "Generate a new signing key pair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, email := newpairName, newpairEmail
		var err error
		if name == "" {
			if name, err = promptLine("Name: "); err != nil {
				return err
			}
		}
		if email == "" {
			if email, err = promptLine("Email: "); err != nil {
				return err
			}
		}

		passphrase, err := newKeyPassphrase()
		if err != nil {
			return err
		}

		info, err := keyStore().NewPair(name, email, passphrase)
		if err != nil {
			return err
		}
		fmt.Println("Created key pair", info.Fingerprint)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys in the local key stores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := keyStore().List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "FINGERPRINT\tNAME\tEMAIL\tCREATED\tPRIVATE")
		for _, key := range list {
			private := ""
			if key.HasPrivate {
				private = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				key.Fingerprint, key.Name, key.Email,
				key.CreatedAt.Format("2006-01-02"), private)
		}
		return w.Flush()
	},
}

var keysPushCmd = &cobra.Command{
	Use:   "push <fingerprint>",
	Short: "Upload a public key to a key server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := keyStore().PushKey(cmd.Context(), keyServerURL, args[0]); err != nil {
			return err
		}
		fmt.Println("Pushed key", args[0], "to", keyServerURL)
		return nil
	},
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// newKeyPassphrase picks up CAPSULE_PASSPHRASE or prompts twice. An empty
// passphrase leaves the private key unencrypted on disk.
func newKeyPassphrase() (string, error) {
	if cfg.Passphrase != "" {
		return cfg.Passphrase, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}

	fmt.Fprint(os.Stderr, "Passphrase (empty for none): ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(first) == 0 {
		return "", nil
	}

	fmt.Fprint(os.Stderr, "Retype passphrase: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passphrases do not match")
	}
	return string(first), nil
}
