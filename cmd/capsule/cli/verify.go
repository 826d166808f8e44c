package cli

import (
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/spf13/cobra"

	"github.com/capsulebuild/capsule/lib/keys"
	"github.com/capsulebuild/capsule/lib/sign"
)

var verifyKey string

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVarP(&verifyKey, "key", "k", "", "Only trust the public key with this fingerprint (or prefix)")
}

var verifyCmd = &cobra.Command{
	Use:   "verify <image>",
	Short: "Verify an image's signature and object digests",
	Long: `Checks the archive's embedded signature against the public key
store and recomputes every object digest against the signed manifest.
All objects are always checked; the report lists each one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyring, err := keyStore().PublicKeyring()
		if err != nil {
			return err
		}
		if verifyKey != "" {
			keyring = filterKeyring(keyring, verifyKey)
		}

		report, verifyErr := sign.Verify(cmd.Context(), args[0], keyring, logger)
		if report != nil {
			printReport(report)
		}
		return verifyErr
	},
}

func filterKeyring(keyring openpgp.EntityList, fingerprint string) openpgp.EntityList {
	prefix := strings.ToLower(fingerprint)
	filtered := openpgp.EntityList{}
	for _, entity := range keyring {
		if strings.HasPrefix(keys.Fingerprint(entity), prefix) {
			filtered = append(filtered, entity)
		}
	}
	return filtered
}

func printReport(report *sign.Report) {
	if report.SignerFingerprint != "" {
		fmt.Println("Signer:", report.SignerFingerprint)
	}
	for _, obj := range report.Objects {
		status := "verified"
		if !obj.Verified {
			status = "FAILED"
			if obj.Reason != "" {
				status += " (" + obj.Reason + ")"
			}
		}
		fmt.Printf("  %-12s %s\n", obj.ID, status)
	}
}
