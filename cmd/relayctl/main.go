// Package main は運用向けの CLI relayctl のエントリーポイントです。
package main

import (
	"os"

	"github.com/yourusername/paper-relay/cmd/relayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
