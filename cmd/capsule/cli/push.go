package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capsulebuild/capsule/lib/registry"
)

var pushRemote string

func init() {
	rootCmd.AddCommand(pushCmd)
	pushCmd.Flags().StringVarP(&pushRemote, "remote", "r", "", "Name of the configured remote to push to (default: the default remote)")
}

var pushCmd = &cobra.Command{
	Use:   "push <image> <registry-ref>",
	Short: "Publish a signed image to a registry",
	Long: `Uploads a signed archive to a configured remote under
<registry-ref> (namespace/collection/name:tag). Unsigned archives are
rejected. Re-pushing identical content is a no-op; changing what an
existing tag names is rejected when CAPSULE_TAG_POLICY=immutable.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := registry.ParseReference(args[1])
		if err != nil {
			return err
		}
		policy, err := registry.ParseTagPolicy(cfg.TagPolicy)
		if err != nil {
			return err
		}

		store := registry.NewRemoteStore(appPaths.RemotesConfig())
		var endpoint *registry.Remote
		if pushRemote != "" {
			endpoint, err = store.Get(pushRemote)
		} else {
			endpoint, err = store.Default()
		}
		if err != nil {
			return err
		}

		digest, err := registry.NewPublisher(logger).Publish(cmd.Context(), args[0], ref, endpoint, policy)
		if err != nil {
			return err
		}
		fmt.Printf("Pushed %s to %s (%s)\n", ref, endpoint.Name, digest)
		return nil
	},
}
