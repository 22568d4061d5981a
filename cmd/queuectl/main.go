package main

import (
	"log"

	"github.com/spf13/cobra"

	"newsfeed-refresh/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "queuectl",
	Short:         "Inspect and operate the news refresh job queue",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cfg := config.Load()

	rootCmd.AddCommand(SubmitCmd(cfg))
	rootCmd.AddCommand(StatusCmd(cfg))
	rootCmd.AddCommand(StatsCmd(cfg))
	rootCmd.AddCommand(CleanupCmd(cfg))
	rootCmd.AddCommand(ReapCmd(cfg))
	rootCmd.AddCommand(HistoryCmd(cfg))
	rootCmd.AddCommand(TokenCmd(cfg))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
