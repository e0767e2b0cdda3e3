package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/agentboard/agentboard/pkg/persistence/chatstore"
	"github.com/agentboard/agentboard/pkg/ui"
)

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the locally persisted conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if appCfg.Project == "" {
				return errors.New("project id required (--project, AGENTBOARD_PROJECT, or config file)")
			}
			if appCfg.HistoryPath == "" {
				return errors.New("no history path configured (--history or config file)")
			}
			s, err := chatstore.NewSQLiteStore(appCfg.HistoryPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			msgs, err := s.List(cmd.Context(), appCfg.Project)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Println("no history for project", appCfg.Project)
				return nil
			}
			fmt.Println(ui.Conversation(msgs))
			return nil
		},
	}
}
