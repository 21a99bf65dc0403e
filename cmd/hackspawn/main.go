package main

import (
	"fmt"
	"os"

	"github.com/hack-pad/hackspawn/internal/log"
	"github.com/spf13/cobra"
)

const (
	exitSpawnFailed   = 125
	exitCannotExecute = 127
)

var flagDebug bool

func main() {
	rootCmd := &cobra.Command{
		Use:           "hackspawn",
		Short:         "Spawn a program with file actions and attributes applied",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				log.SetOutput(os.Stderr)
				log.SetLevel(log.LevelDebug)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Log every spawn step to stderr")
	rootCmd.AddCommand(newRunCommand(), newFDsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitSpawnFailed)
	}
}
