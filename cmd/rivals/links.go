package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/narivals/rivals-ledger/internal/config"
	"github.com/narivals/rivals-ledger/internal/schedule"
)

func newLinksCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "links <yyyy-mm-dd> <ncs-number>",
		Short: "Print the weekly tournament link announcement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := schedule.ParseDate(args[0])
			if err != nil {
				return err
			}
			number, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid tournament number %q", args[1])
			}
			bracketBase := ""
			if cfg, err := config.Load(opts.configFile, opts.envPath); err == nil {
				bracketBase = cfg.Discord.BracketBase
			}
			fmt.Fprintln(cmd.OutOrStdout(), schedule.Format(schedule.Links(date, number, bracketBase)))
			return nil
		},
	}
}
