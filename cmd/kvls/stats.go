package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print live key count and log size (diagnostic, not part of the engine contract)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			liveKeys, logBytes := s.Stats()
			fmt.Printf("live_keys=%d log_bytes=%d\n", liveKeys, logBytes)
			return nil
		},
	}
}
