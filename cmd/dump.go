package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/econ-graph/crawler-telemetry/internal/app"
)

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Render one exposition snapshot to stdout and exit.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			body, err := a.Exporter().Render()
			if err != nil {
				return fmt.Errorf("render: %w", err)
			}
			cmd.Print(body)
			return nil
		},
	}
}
