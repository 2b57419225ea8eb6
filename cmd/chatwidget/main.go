package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatwidget/cmd/chatwidget/cmds"
)

func main() {
	rootCmd, err := cmds.NewRootCommand()
	cobra.CheckErr(err)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("chatwidget failed")
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
