package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func createBadgesCmd() *cobra.Command {
	var contract string

	cmd := &cobra.Command{
		Use:   "badges [owner]",
		Short: "Resolve the badges an address holds",
		Long: `Discover every badge token an address holds and resolve its metadata.

One token failing to resolve does not hide the others; failed tokens are
listed with the reason.

The owner and contract default to the owner and badge_contract keys of
campusctl.toml.

EXAMPLES:
  campusctl badges 0x1f9090aaE28b8a3dCeaDf281B0F12828e676c326
  campusctl badges 0x1f90...c326 --contract 0x5a1c...9e0b --json
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := loadProjectConfigSilent()

			owner := ""
			if len(args) == 1 {
				owner = args[0]
			} else if project != nil {
				owner = project.Owner
			}
			if owner == "" {
				return errors.New("no owner given and no owner in campusctl.toml")
			}
			if contract == "" && project != nil {
				contract = project.BadgeContract
			}

			res, err := newClient().Badges(cmd.Context(), owner, contract)
			if err != nil {
				return fmt.Errorf("failed to resolve badges: %w", err)
			}

			if wantJSON() {
				return printJSON(os.Stdout, res)
			}

			fmt.Printf("Owner: %s\n", res.Owner)
			if res.Discovery.Status == "empty" {
				fmt.Println("No badges held")
				return nil
			}

			resolved := 0
			w := newTable(os.Stdout)
			fmt.Fprintln(w, "TOKEN\tSTATUS\tTITLE\tIMAGE")
			for _, it := range res.Items {
				if it.Badge != nil {
					resolved++
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", it.TokenID, it.Status, it.Badge.Title, it.Badge.ImageURL)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t-\n", it.TokenID, it.Status, orDash(it.Reason))
			}
			w.Flush()

			fmt.Printf("\n%d of %d badges resolved\n", resolved, len(res.Items))
			if res.Discovery.Truncated {
				fmt.Println("The indexer had more tokens than the bridge reads; this list is incomplete")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&contract, "contract", "", "only tokens from this badge contract")

	return cmd
}
