package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/capsulebuild/capsule/lib/registry"
)

var (
	remoteInsecure    bool
	remoteMakeDefault bool
	remoteToken       string
)

func init() {
	rootCmd.AddCommand(remoteCmd)
	remoteCmd.AddCommand(remoteAddCmd)
	remoteCmd.AddCommand(remoteLoginCmd)
	remoteCmd.AddCommand(remoteListCmd)

	remoteAddCmd.Flags().BoolVar(&remoteInsecure, "insecure", false, "Allow plain HTTP to this endpoint")
	remoteAddCmd.Flags().BoolVar(&remoteMakeDefault, "default", false, "Make this the default remote")
	remoteLoginCmd.Flags().StringVar(&remoteToken, "token", "", "Access token (default: CAPSULE_REGISTRY_TOKEN or interactive prompt)")
}

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage registry endpoints",
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <name> <uri>",
	Short: "Register a registry endpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := registry.NewRemoteStore(appPaths.RemotesConfig())
		if err := store.Add(args[0], args[1], remoteInsecure, remoteMakeDefault); err != nil {
			return err
		}
		fmt.Println("Added remote", args[0])
		return nil
	},
}

var remoteLoginCmd = &cobra.Command{
	Use:   "login <name>",
	Short: "Store an access token for a registry endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := remoteToken
		if token == "" {
			token = os.Getenv("CAPSULE_REGISTRY_TOKEN")
		}
		if token == "" {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("no token: pass --token, set CAPSULE_REGISTRY_TOKEN, or run interactively")
			}
			fmt.Fprint(os.Stderr, "Token: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			token = string(raw)
		}

		store := registry.NewRemoteStore(appPaths.RemotesConfig())
		if err := store.Login(args[0], token); err != nil {
			return err
		}
		fmt.Println("Logged in to", args[0])
		return nil
	},
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured registry endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		remotes, err := registry.NewRemoteStore(appPaths.RemotesConfig()).List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tURI\tDEFAULT\tAUTH")
		for _, remote := range remotes {
			def, auth := "", ""
			if remote.Default {
				def = "yes"
			}
			if remote.Token != "" {
				auth = "token"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", remote.Name, remote.URI, def, auth)
		}
		return w.Flush()
	},
}
