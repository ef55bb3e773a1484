package app

import (
	"github.com/spf13/cobra"

	srcapp "github.com/ariesdb/enginecore/src/app"
)

func initRun() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Runs crash recovery against the configured log and volume directories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entry := &srcapp.RecoveryEntrypoint{ConfigPath: rootCmd.Options.ConfigPath}
			return srcapp.Run(cmd.Context(), entry)
		},
	})
}
