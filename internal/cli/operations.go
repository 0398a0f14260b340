package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/pendergraft/campusbridge/pkg/client"
)

var (
	noWait       bool
	pollInterval = 2 * time.Second
)

func createOperationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "op",
		Aliases: []string{"operation", "operations"},
		Short:   "Dispatch and track smart-account operations",
		Long: `Dispatch state-changing operations through the bridge's smart account.

By default each command waits until the operation is confirmed, rejected or
dropped. With --no-wait it prints the operation token at once; follow it
with 'campusctl op watch <token>'.

Re-running a command with identical parameters returns the same token and
never submits twice while the first attempt is pending.
`,
	}

	cmd.PersistentFlags().BoolVar(&noWait, "no-wait", false, "return as soon as the operation has a token")

	cmd.AddCommand(createCreateProjectCmd())
	cmd.AddCommand(createVoteCmd())
	cmd.AddCommand(createJoinCmd())
	cmd.AddCommand(createRegisterCmd())
	cmd.AddCommand(createOperationShowCmd())
	cmd.AddCommand(createOperationWatchCmd())
	cmd.AddCommand(createOperationListCmd())

	return cmd
}

func createCreateProjectCmd() *cobra.Command {
	var file string
	var fields client.ProjectFields

	cmd := &cobra.Command{
		Use:   "create-project",
		Short: "Create a project in the registry",
		Long: `Create a project from flags, or from a TOML file whose keys match the
flag names (title, description, expectations, techStack, repositoryLink,
maxMembers). Flags override the file.

EXAMPLES:
  campusctl op create-project --title "Solar benches" \
    --description "Benches with USB chargers" \
    --repository https://github.com/campusdao/solar-benches --max-members 5

  campusctl op create-project --file project.toml
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := client.ProjectFields{}
			if file != "" {
				if _, err := toml.DecodeFile(file, &p); err != nil {
					return fmt.Errorf("reading %s: %w", file, err)
				}
			}
			mergeProjectFlags(cmd, &p, fields)
			if strings.TrimSpace(p.Title) == "" {
				return errors.New("a project needs a title")
			}
			return dispatch(cmd.Context(), "create-project", p)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "TOML file with the project fields")
	cmd.Flags().StringVar(&fields.Title, "title", "", "project title")
	cmd.Flags().StringVar(&fields.Description, "description", "", "project description")
	cmd.Flags().StringVar(&fields.Expectations, "expectations", "", "what members are expected to do")
	cmd.Flags().StringVar(&fields.TechStack, "tech-stack", "", "technologies used")
	cmd.Flags().StringVar(&fields.RepositoryLink, "repository", "", "repository URL")
	cmd.Flags().Uint64Var(&fields.MaxMembers, "max-members", 0, "member limit")

	return cmd
}

// mergeProjectFlags copies every flag the user set over p.
func mergeProjectFlags(cmd *cobra.Command, p *client.ProjectFields, flags client.ProjectFields) {
	set := cmd.Flags().Changed
	if set("title") {
		p.Title = flags.Title
	}
	if set("description") {
		p.Description = flags.Description
	}
	if set("expectations") {
		p.Expectations = flags.Expectations
	}
	if set("tech-stack") {
		p.TechStack = flags.TechStack
	}
	if set("repository") {
		p.RepositoryLink = flags.RepositoryLink
	}
	if set("max-members") {
		p.MaxMembers = flags.MaxMembers
	}
}

func createVoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vote <proposalId> <yes|no>",
		Short: "Cast a vote on a proposal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			choice := strings.ToLower(args[1])
			if choice != "yes" && choice != "no" {
				return fmt.Errorf("vote must be yes or no, got %q", args[1])
			}
			return dispatch(cmd.Context(), "cast-vote", map[string]any{"proposalId": id, "choice": choice})
		},
	}
}

func createJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <projectId>",
		Short: "Request to join a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return dispatch(cmd.Context(), "request-join", map[string]any{"projectId": id})
		},
	}
}

func createRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <projectId> <reference>",
		Short: "Register a published proposal against a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return dispatch(cmd.Context(), "register-proposal", map[string]any{"projectId": id, "reference": args[1]})
		},
	}
}

func createOperationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <token>",
		Short: "Show an operation's receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := newClient().Receipt(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get receipt: %w", err)
			}
			return emitReceipt(rec)
		},
	}
}

func createOperationWatchCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch <token>",
		Short: "Wait until an operation is confirmed, rejected or dropped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			rec, err := watch(ctx, newClient(), args[0])
			if err != nil {
				return err
			}
			return emitReceipt(rec)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")

	return cmd
}

func createOperationListCmd() *cobra.Command {
	var q client.OperationQuery

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dispatched operations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := newClient().ListOperations(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("failed to list operations: %w", err)
			}

			if wantJSON() {
				return printJSON(os.Stdout, page)
			}

			if len(page.Data) == 0 {
				fmt.Println("No operations found")
				return nil
			}

			w := newTable(os.Stdout)
			fmt.Fprintln(w, "TOKEN\tACTION\tSTATE\tATTEMPTS\tTX")
			for _, r := range page.Data {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.Token, r.Action, r.State, r.Attempts, orDash(r.TxHash))
			}
			w.Flush()

			if page.Pagination.HasMore {
				fmt.Printf("\nMore operations: campusctl op list --cursor %s\n", page.Pagination.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&q.State, "state", "", "filter by state (built, submitting, confirmed, rejected, dropped)")
	cmd.Flags().StringVar(&q.Action, "action", "", "filter by action")
	cmd.Flags().StringVar(&q.Cursor, "cursor", "", "continue from a previous page")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "number of operations per page (max 100)")

	return cmd
}

func dispatch(ctx context.Context, action string, params any) error {
	rec, err := newClient().Dispatch(ctx, client.DispatchRequest{Action: action, Params: params}, !noWait)
	if err != nil {
		return fmt.Errorf("failed to dispatch %s: %w", action, err)
	}
	if err := emitReceipt(rec); err != nil {
		return err
	}
	if !noWait && rec.State != "confirmed" {
		return fmt.Errorf("operation %s ended %s", rec.Token, rec.State)
	}
	return nil
}

// watch polls the receipt for token until it reaches a terminal state.
func watch(ctx context.Context, c *client.Client, token string) (*client.Receipt, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		rec, err := c.Receipt(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}
		if terminal(rec.State) {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return rec, fmt.Errorf("operation %s still %s: %w", token, rec.State, ctx.Err())
		case <-ticker.C:
		}
	}
}

func terminal(state string) bool {
	switch state {
	case "confirmed", "rejected", "dropped":
		return true
	}
	return false
}

func emitReceipt(rec *client.Receipt) error {
	if wantJSON() {
		return printJSON(os.Stdout, rec)
	}
	printReceipt(rec)
	return nil
}

func printReceipt(rec *client.Receipt) {
	fmt.Printf("Operation: %s\n", rec.Token)
	fmt.Printf("Action:    %s\n", rec.Action)
	fmt.Printf("State:     %s\n", rec.State)
	if rec.TxHash != "" {
		fmt.Printf("Tx:        %s\n", rec.TxHash)
	}
	if rec.Reason != "" {
		fmt.Printf("Reason:    %s\n", rec.Reason)
	}
	if !terminal(rec.State) {
		fmt.Printf("\nFollow with: campusctl op watch %s\n", rec.Token)
	}
}
