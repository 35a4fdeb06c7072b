package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"inventory-sync/internal/conflict"
)

type resolveInput struct {
	Conflicts  []*conflict.Conflict `json:"conflicts" validate:"required,min=1,dive,required"`
	Resolution conflict.Resolution  `json:"resolution"`
}

// newResolveCmd resolves conflicts offline, without touching any store.
func newResolveCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve conflicts read as JSON and print the results",
		Long: `Reads {"conflicts": [...], "resolution": {...}} from --file or stdin,
resolves each conflict in order and prints the results as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := io.Reader(os.Stdin)
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			var input resolveInput
			if err := json.NewDecoder(in).Decode(&input); err != nil {
				return fmt.Errorf("invalid input: %w", err)
			}
			if err := validator.New().Struct(&input); err != nil {
				return err
			}

			results, err := conflict.NewEngine(conflict.WithResolvedBy("cli")).ResolveAll(input.Conflicts, input.Resolution)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(results); encErr != nil {
				return encErr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "input file (default stdin)")
	return cmd
}
