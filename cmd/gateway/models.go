package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/upb/llm-gateway/services/normalizer"
)

func newModelsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models served by the enabled providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			list, err := deps.Gateway.GetAvailableModels(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			return printModels(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the OpenAI-compatible model list")
	return cmd
}

func printModels(out io.Writer, list *normalizer.ModelList) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tOWNED BY\tSTREAMING\tEMBEDDINGS")
	for _, m := range list.Data {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.OwnedBy, yesNo(m.SupportsStreaming), yesNo(m.SupportsEmbeddings))
	}
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
