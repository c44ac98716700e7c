package main

import (
	"github.com/spf13/cobra"
)

var inProcessingCmd = &cobra.Command{
	Use:   "in-processing",
	Short: "List queue rows currently under claim",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.GetInProcessing(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}
