package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Look up one key through the cache and print its value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			a, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			v, err := a.coord.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeValue(cmd.OutOrStdout(), v)
		},
	}
}

func writeValue(w io.Writer, v []byte) error {
	if _, err := w.Write(v); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n"))
	return err
}
