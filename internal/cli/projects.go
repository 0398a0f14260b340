package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pendergraft/campusbridge/pkg/client"
)

func createProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projects",
		Aliases: []string{"project"},
		Short:   "Read projects from the registry",
	}

	cmd.AddCommand(createProjectsListCmd())
	cmd.AddCommand(createProjectsShowCmd())
	cmd.AddCommand(createProjectsMemberCmd())
	cmd.AddCommand(createTokenURICmd())

	return cmd
}

func createProjectsListCmd() *cobra.Command {
	var owner, cursor string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Long: `List registry projects in id order.

EXAMPLES:
  # First page of all projects
  campusctl projects list

  # Projects owned by an address
  campusctl projects list --owner 0x1f9090aaE28b8a3dCeaDf281B0F12828e676c326

  # Next page
  campusctl projects list --cursor 20
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := newClient().ListProjects(cmd.Context(), client.ProjectQuery{
				Owner:  owner,
				Limit:  limit,
				Cursor: cursor,
			})
			if err != nil {
				return fmt.Errorf("failed to list projects: %w", err)
			}

			if wantJSON() {
				return printJSON(os.Stdout, page)
			}

			if len(page.Data) == 0 {
				fmt.Println("No projects found")
				return nil
			}

			w := newTable(os.Stdout)
			fmt.Fprintln(w, "ID\tTITLE\tOWNER\tMEMBERS\tACTIVE")
			titleWidth := columnWidth(80)
			for _, p := range page.Data {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t%t\n",
					p.ID, truncate(p.Title, titleWidth), p.Owner, len(p.Members), p.MaxMembers, p.IsActive)
			}
			w.Flush()

			if page.Pagination.HasMore {
				fmt.Printf("\nMore projects: campusctl projects list --cursor %s\n", page.Pagination.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only projects owned by this address")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this project id")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of projects per page (max 100)")

	return cmd
}

func createProjectsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			p, err := newClient().GetProject(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("failed to get project: %w", err)
			}

			if wantJSON() {
				return printJSON(os.Stdout, p)
			}

			fmt.Printf("Project %d: %s\n", p.ID, p.Title)
			fmt.Printf("Owner:      %s\n", p.Owner)
			fmt.Printf("Active:     %t\n", p.IsActive)
			fmt.Printf("Created:    %s\n", p.CreatedAt.Format("2006-01-02 15:04 MST"))
			fmt.Printf("Repository: %s\n", orDash(p.RepositoryLink))
			fmt.Printf("Tech stack: %s\n", orDash(p.TechStack))
			fmt.Println()
			fmt.Println(p.Description)
			if p.Expectations != "" {
				fmt.Println()
				fmt.Printf("Expectations: %s\n", p.Expectations)
			}
			fmt.Println()
			fmt.Printf("Members (%d/%d):\n", len(p.Members), p.MaxMembers)
			for _, m := range p.Members {
				marker := ""
				if strings.EqualFold(m, p.Owner) {
					marker = " (owner)"
				}
				fmt.Printf("  • %s%s\n", m, marker)
			}
			return nil
		},
	}
}

func createProjectsMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "member <id> <address>",
		Short: "Check whether an address belongs to a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			m, err := newClient().Membership(cmd.Context(), id, args[1])
			if err != nil {
				return fmt.Errorf("failed to check membership: %w", err)
			}

			if wantJSON() {
				return printJSON(os.Stdout, m)
			}

			switch {
			case m.Owner:
				fmt.Printf("%s owns project %d\n", m.Address, m.ProjectID)
			case m.Member:
				fmt.Printf("%s is a member of project %d\n", m.Address, m.ProjectID)
			default:
				fmt.Printf("%s is not a member of project %d\n", m.Address, m.ProjectID)
			}
			return nil
		},
	}
}

func createTokenURICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token-uri <contract> <tokenId>",
		Short: "Show a badge token's metadata URI",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, err := newClient().TokenURI(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to read token URI: %w", err)
			}
			if wantJSON() {
				return printJSON(os.Stdout, uri)
			}
			fmt.Println(uri.URI)
			return nil
		},
	}
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: must be a non-negative integer", s)
	}
	return id, nil
}
