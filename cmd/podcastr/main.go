package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	logger := log.New(os.Stdout, "podcastr ", log.LstdFlags|log.Lmsgprefix)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Printf("load .env: %v", err)
	}

	if err := newRootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "podcastr",
		Short: "Podcast website served from an episodes API",
		Long: `podcastr renders a podcast website (home page, episode pages and an RSS
feed) from a json-server style episodes API or a local audio directory.

Pages are cached and regenerated in the background once they expire.
Configuration is read from PODCASTR_* environment variables and an
optional .env file in the working directory.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd(logger))
	root.AddCommand(newGenerateCmd(logger))
	root.AddCommand(newVersionCmd())
	return root
}
