package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/groblegark/pqbus/internal/clock"
	"github.com/groblegark/pqbus/internal/model"
	"github.com/groblegark/pqbus/internal/queue"
)

var (
	postClassName  string
	postEventJSON  string
	postUserToken  string
	postSearchKey1 int64
	postSearchKey2 int64
)

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Insert an event row into the queue",
	Long: `Insert an event row directly, bypassing the in-process codec. Useful for
re-injecting a failed event from the history table or for smoke-testing a
consumer: the class name and payload are taken verbatim.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(postEventJSON)) {
			return fmt.Errorf("--json is not valid JSON")
		}

		token := uuid.New()
		if postUserToken != "" {
			parsed, err := uuid.Parse(postUserToken)
			if err != nil {
				return fmt.Errorf("--user-token: %w", err)
			}
			token = parsed
		}

		cfg, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		q, err := queue.NewDBBackedQueue(st, cfg.Queue, clock.System{}, slog.Default())
		if err != nil {
			return err
		}

		entry := model.NewEventEntry(q.CreatorName(), q.Now(), postClassName, postEventJSON,
			token, postSearchKey1, postSearchKey2)
		if err := q.InsertEntry(cmd.Context(), entry); err != nil {
			return err
		}
		return printJSON(entry)
	},
}

func init() {
	postCmd.Flags().StringVar(&postClassName, "class", "", "fully-qualified event class name (required)")
	postCmd.Flags().StringVar(&postEventJSON, "json", "", "event payload JSON (required)")
	postCmd.Flags().StringVar(&postUserToken, "user-token", "", "user token UUID (random if omitted)")
	postCmd.Flags().Int64Var(&postSearchKey1, "search-key1", 0, "first correlation key")
	postCmd.Flags().Int64Var(&postSearchKey2, "search-key2", 0, "second correlation key")
	_ = postCmd.MarkFlagRequired("class")
	_ = postCmd.MarkFlagRequired("json")
}
