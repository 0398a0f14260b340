package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func createInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the deployment the server is bound to",
		Long: `Display the chain, contracts, smart account and content store the server uses.

EXAMPLES:
  campusctl info
  campusctl info --server https://bridge.campusdao.example --json
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := newClient().Info(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get server info: %w", err)
			}

			if wantJSON() {
				return printJSON(os.Stdout, info)
			}

			fmt.Printf("Server:    %s\n", getServer())
			fmt.Printf("Service:   %s %s\n", info.Service, info.Version)
			fmt.Printf("Chain ID:  %d\n", info.ChainID)
			fmt.Printf("Registry:  %s\n", info.Registry)
			fmt.Printf("Badge:     %s\n", info.Badge)
			fmt.Printf("Account:   %s\n", orDash(info.Account))
			fmt.Printf("Proposals: %s\n", info.ContentStore)
			return nil
		},
	}
}
