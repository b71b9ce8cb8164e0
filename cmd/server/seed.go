package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/docpipe/backend/internal/seed"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write the sample file records into an empty metadata store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := seed.Run(cmd.Context(), a.files, a.logger, time.Now())
		if err != nil {
			return fmt.Errorf("seeding sample data: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d sample files\n", n)
		return nil
	},
}
