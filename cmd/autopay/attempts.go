package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/id"
)

func newAttemptsCmd(load loader) *cobra.Command {
	var (
		subscriberID string
		limit        int
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "List a subscriber's charge attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			subID, err := id.ParseSubscriberID(subscriberID)
			if err != nil {
				return fmt.Errorf("--subscriber: %w", err)
			}

			s, err := load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			st, err := openStore(ctx, s.Store)
			if err != nil {
				return fmt.Errorf("open %s store: %w", s.Store.Driver, err)
			}
			defer st.Close() //nolint:errcheck // read-only command

			attempts, err := st.ListBySubscriber(ctx, subID, attempt.ListOpts{Limit: limit})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if attempts == nil {
					attempts = []*attempt.Attempt{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(attempts)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CYCLE\tN\tSTATUS\tORDER\tCHARGE\tREASON\tNEXT RETRY\tCREATED")
			for _, a := range attempts {
				next := "-"
				if a.NextRetryAt != nil {
					next = a.NextRetryAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					a.CycleKey, a.AttemptNumber, a.Status, a.OrderID,
					dash(a.ProviderChargeID), dash(a.FailureReason), next,
					a.CreatedAt.Format(time.RFC3339),
				)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&subscriberID, "subscriber", "", "subscriber id (sbr_...)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum attempts to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print attempts as JSON")
	_ = cmd.MarkFlagRequired("subscriber") //nolint:errcheck // flag is defined above

	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
