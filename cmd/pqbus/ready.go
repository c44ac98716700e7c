package main

import (
	"github.com/spf13/cobra"
)

var (
	readySearchKey1    int64
	readySearchKey1Set bool
	readySearchKey2    int64
	readyIncludeClaims bool
)

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List queue rows matching the search keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		var key1 *int64
		if cmd.Flags().Changed("search-key1") {
			key1 = &readySearchKey1
		}

		query := st.GetReady
		if readyIncludeClaims {
			query = st.GetReadyOrInProcessing
		}
		entries, err := query(cmd.Context(), key1, readySearchKey2)
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

func init() {
	readyCmd.Flags().Int64Var(&readySearchKey1, "search-key1", 0, "filter on the first correlation key")
	readyCmd.Flags().Int64Var(&readySearchKey2, "search-key2", 0, "filter on the second correlation key (required)")
	readyCmd.Flags().BoolVar(&readyIncludeClaims, "include-in-processing", false, "include rows currently under claim")
	_ = readyCmd.MarkFlagRequired("search-key2")
}
