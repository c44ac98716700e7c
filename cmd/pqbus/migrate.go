package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the queue schema to the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		fmt.Printf("schema up to date (%s, table %s)\n", cfg.Driver, cfg.Queue.TableName)
		return nil
	},
}
