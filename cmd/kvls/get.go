package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <KEY>",
		Short: "Get the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			value, ok, err := s.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Key not found")
				return nil
			}
			fmt.Println(value)
			return nil
		},
	}
}
