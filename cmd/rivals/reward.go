package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/narivals/rivals-ledger/internal/ledger"
)

func newRewardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reward <tournament> <rank> <entrants>",
		Short: "Print the token reward for a final placement",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rank, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid rank %q", args[1])
			}
			entrants, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid entrant count %q", args[2])
			}
			tier := ledger.TierFor(args[0])
			amount, err := ledger.ComputeTournamentReward(rank, entrants, tier.Base, tier.Weight)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: rank %d of %d earns %d tokens (base %d, weight %d)\n",
				args[0], rank, entrants, amount, tier.Base, tier.Weight)
			return nil
		},
	}
}
