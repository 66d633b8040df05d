package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-clusterer/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "face-clusterer",
	Short: "Group detected faces into person identities",
	Long: `Face Clusterer detects faces in photos through an embedding server, groups
them into clusters that each represent one person and keeps those clusters
consistent over time.

Configuration is read from the environment (and an optional .env file):
DATABASE_URL, EMBEDDING_URL, EMBEDDING_DIM, CLUSTER_INDEX_PATH,
CLUSTERING_CONFIG, LOG_LEVEL and LOG_FILE.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()

	if err := logging.Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FILE")); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
}
