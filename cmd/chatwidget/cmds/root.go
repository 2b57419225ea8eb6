package cmds

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatwidget/pkg/config"
)

// app is filled in by the root command before any subcommand runs.
type app struct {
	v   *viper.Viper
	cfg *config.Config
}

func NewRootCommand() (*cobra.Command, error) {
	a := &app{v: viper.GetViper()}

	rootCmd := &cobra.Command{
		Use:           "chatwidget",
		Short:         "chatwidget runs the dealership assistant chat session in a terminal or behind a websocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger because we can now parse --log-level and co
			// from the command line flag
			if err := clay.InitLogger(); err != nil {
				return err
			}
			cfg, err := config.FromViper(a.v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("backend-url", "", "Base URL of the assistant backend")
	flags.String("summary-db", "", "SQLite file archiving delivered summaries")

	// --config, --log-level, --log-format, --log-file and the config file search
	// in ~/.chatwidget come from clay
	if err := clay.InitViper(config.AppName, rootCmd); err != nil {
		return nil, err
	}
	config.Prepare(a.v)

	for key, flag := range map[string]string{
		"backend.base_url": "backend-url",
		"store.summary_db": "summary-db",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	summaryCmd, err := NewSummaryCommand(a)
	if err != nil {
		return nil, err
	}
	summariesCmd, err := NewSummariesCommand(a)
	if err != nil {
		return nil, err
	}
	reviewsCmd, err := NewReviewsCommand(a)
	if err != nil {
		return nil, err
	}

	rootCmd.AddCommand(
		a.newChatCommand(),
		a.newServeCommand(),
		a.newConfigCommand(),
	)
	for _, gc := range []cmds.Command{summaryCmd, summariesCmd, reviewsCmd} {
		cobraCmd, err := cli.BuildCobraCommand(gc)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCmd)
	}
	return rootCmd, nil
}
