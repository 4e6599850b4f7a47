package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			st, err := openStore(ctx, s.Store)
			if err != nil {
				return fmt.Errorf("open %s store: %w", s.Store.Driver, err)
			}
			defer st.Close() //nolint:errcheck // read-only after migrate

			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate %s store: %w", s.Store.Driver, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s store migrated\n", s.Store.Driver)
			return err
		},
	}
}
