// Package cmd は relayctl のサブコマンドを定義します。
package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yourusername/paper-relay/internal/logging"
	"github.com/yourusername/paper-relay/internal/storage"
)

var (
	outputStore string
	logLevel    string
)

// RootCmd は relayctl のルートコマンドを返します。
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Inspect and maintain paper-relay jobs",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&outputStore, "output-store", "/output", "Output store location (directory or gs:// s3:// URL)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")

	root.AddCommand(
		planCmd(),
		statusCmd(),
		mergeCmd(),
		clearCmd(),
	)
	return root
}

// Execute はルートコマンドを実行します。
func Execute() error {
	return RootCmd().Execute()
}

func newLogger() logrus.FieldLogger {
	return logging.Setup(logLevel, "text")
}

func openOutputs(ctx context.Context) (*storage.Bucket, error) {
	return storage.Open(ctx, outputStore)
}
