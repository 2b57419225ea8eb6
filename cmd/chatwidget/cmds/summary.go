package cmds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/persistence/summarystore"
)

type SummaryCommand struct {
	*cmds.CommandDescription
	app *app
}

type SummarySettings struct {
	ConversationID string `glazed:"conversation-id"`
}

func NewSummaryCommand(a *app) (*SummaryCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"summary",
		cmds.WithShort("Show the summary of a conversation"),
		cmds.WithLong("Look the summary up in the local archive (by conversation or session id) and fall back to the backend's /get-summary."),
		cmds.WithArguments(
			fields.New(
				"conversation-id",
				fields.TypeString,
				fields.WithHelp("Conversation id (or session id for archived summaries)"),
				fields.WithRequired(true),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &SummaryCommand{CommandDescription: desc, app: a}, nil
}

func (c *SummaryCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &SummarySettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}

	rt, err := newRuntime(c.app.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	return c.run(ctx, rt, s, gp)
}

func (c *SummaryCommand) run(ctx context.Context, rt *runtime, s *SummarySettings, gp middlewares.Processor) error {
	id := strings.TrimSpace(s.ConversationID)
	if id == "" {
		return errors.New("conversation id is required")
	}
	sum, source, err := rt.lookupSummary(ctx, id)
	if err != nil {
		return err
	}
	return gp.AddRow(ctx, summaryRow(*sum, types.MRP("source", source)))
}

func summaryRow(sum backend.Summary, extra ...types.MapRowPair) types.Row {
	pairs := append(extra,
		types.MRP("conversation_id", sum.ConversationID),
		types.MRP("sentiment", sum.Sentiment),
		types.MRP("department", sum.Department),
		types.MRP("urgency", sum.Insights.Urgency),
		types.MRP("upsell_opportunity", sum.Insights.UpsellOpportunity),
		types.MRP("customer_interest", sum.Insights.CustomerInterest),
		types.MRP("keywords", strings.Join(sum.Keywords, ", ")),
		types.MRP("summary", sum.Summary),
	)
	return types.NewRow(pairs...)
}

var _ cmds.GlazeCommand = &SummaryCommand{}

type SummariesCommand struct {
	*cmds.CommandDescription
	app *app
}

type SummariesSettings struct {
	Limit int `glazed:"limit"`
}

func NewSummariesCommand(a *app) (*SummariesCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"summaries",
		cmds.WithShort("List archived summaries, newest first"),
		cmds.WithLong("List the summaries delivered to sessions of this host, from the store configured with --summary-db."),
		cmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(50),
				fields.WithHelp("Maximum number of summaries (0 = store default)"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &SummariesCommand{CommandDescription: desc, app: a}, nil
}

func (c *SummariesCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &SummariesSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}

	store, err := openStore(c.app.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return c.run(ctx, store, s, gp)
}

func (c *SummariesCommand) run(ctx context.Context, store summarystore.Store, s *SummariesSettings, gp middlewares.Processor) error {
	records, err := store.List(ctx, s.Limit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		row := summaryRow(rec.Summary,
			types.MRP("session_id", rec.SessionID),
			types.MRP("stored_at", time.UnixMilli(rec.StoredAtMs).UTC().Format(time.RFC3339)),
		)
		// the archive knows the conversation id even when the summary body omits it
		if rec.ConversationID != "" {
			row.Set("conversation_id", rec.ConversationID)
		}
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &SummariesCommand{}

func (a *app) newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			if path := a.v.ConfigFileUsed(); path != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}
