package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/pendergraft/campusbridge/pkg/client"
)

func createProposalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "proposal",
		Aliases: []string{"proposals"},
		Short:   "Publish and read proposal documents",
	}

	cmd.AddCommand(createProposalPublishCmd())
	cmd.AddCommand(createProposalShowCmd())

	return cmd
}

func createProposalPublishCmd() *cobra.Command {
	var register uint64
	var noWait bool

	cmd := &cobra.Command{
		Use:   "publish <file>",
		Short: "Publish a proposal document",
		Long: `Publish a proposal document and print its content reference.

The document is read from a TOML or JSON file, or JSON on stdin when the
file is "-". Publishing the same content twice returns the same reference.

EXAMPLES:
  # proposal.toml
  #   title = "Solar benches"
  #   description = "Benches with USB chargers on the quad"
  #   repositoryLink = "https://github.com/campusdao/solar-benches"
  #   maxMembers = 5
  campusctl proposal publish proposal.toml

  # Publish and register the reference against project 7
  campusctl proposal publish proposal.toml --register 7
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			c := newClient()
			pub, err := c.PublishProposal(cmd.Context(), doc)
			if err != nil {
				return fmt.Errorf("failed to publish proposal: %w", err)
			}

			var rec *client.Receipt
			if cmd.Flags().Changed("register") {
				rec, err = c.Dispatch(cmd.Context(), client.DispatchRequest{
					Action: "register-proposal",
					Params: map[string]any{"projectId": register, "reference": pub.Reference},
				}, !noWait)
				if err != nil {
					return fmt.Errorf("published as %s but registering failed: %w", pub.Reference, err)
				}
			}

			if wantJSON() {
				return printJSON(os.Stdout, map[string]any{"published": pub, "registration": rec})
			}

			if pub.Existing {
				fmt.Printf("Already published: %s\n", pub.Reference)
			} else {
				fmt.Printf("Published %s (%d bytes, %s)\n", pub.Reference, pub.Size, pub.Backend)
			}
			if rec != nil {
				printReceipt(rec)
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&register, "register", 0, "register the reference against this project id")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "do not wait for the registration to confirm")

	return cmd
}

func createProposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <reference>",
		Short: "Fetch a published proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := newClient().GetProposal(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to fetch proposal: %w", err)
			}
			return printJSON(os.Stdout, doc)
		},
	}
}

// readDocument decodes a proposal from a TOML or JSON file, or from stdin
// as JSON when path is "-".
func readDocument(path string, stdin io.Reader) (map[string]any, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading proposal: %w", err)
	}

	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("parsing TOML: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("proposal %s is empty", path)
	}
	return doc, nil
}
