package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harshasrisri/kvls/internal/kvstore"
)

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <KEY>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			err = s.Remove(args[0])
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				fmt.Println("Key not found")
				os.Exit(1)
			}
			return err
		},
	}
}
