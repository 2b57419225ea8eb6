package cmds

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatwidget/pkg/ui"
)

func (a *app) newChatCommand() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.v.GetString("log-file") == "" {
				// bubbletea owns the terminal
				log.Logger = zerolog.Nop()
			}

			rt, err := newRuntime(a.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			s := rt.newSession(sessionID)
			defer s.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			ch, err := rt.bus.Subscribe(ctx, s.ID())
			if err != nil {
				return err
			}

			p := tea.NewProgram(ui.NewModel(ctx, s), programOptions(ctx)...)

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return ui.Run(ctx, ch, ui.ForwardFunc(p))
			})
			eg.Go(func() error {
				defer cancel()
				_, err := p.Run()
				if errors.Is(err, tea.ErrProgramKilled) {
					return nil
				}
				return err
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Session id (default: random)")
	return cmd
}

func programOptions(ctx context.Context) []tea.ProgramOption {
	options := []tea.ProgramOption{
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		options = append(options, tea.WithAltScreen())
	} else {
		// keep piped stdout clean
		options = append(options, tea.WithOutput(os.Stderr))
	}
	return options
}
