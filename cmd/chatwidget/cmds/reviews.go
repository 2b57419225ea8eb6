package cmds

import (
	"context"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
)

// ReviewsCommand lists the review videos the backend finds for a car.
type ReviewsCommand struct {
	*cmds.CommandDescription
	app *app
}

type ReviewsSettings struct {
	Make  string `glazed:"make"`
	Model string `glazed:"model"`
	Year  int    `glazed:"year"`
}

func NewReviewsCommand(a *app) (*ReviewsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"reviews",
		cmds.WithShort("List review videos for a car"),
		cmds.WithLong("Ask the backend's /car-review-videos for review videos of a make and model."),
		cmds.WithArguments(
			fields.New("make", fields.TypeString, fields.WithHelp("Car make, e.g. Nissan"), fields.WithRequired(true)),
			fields.New("model", fields.TypeString, fields.WithHelp("Car model, e.g. Kicks"), fields.WithRequired(true)),
		),
		cmds.WithFlags(
			fields.New(
				"year",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Model year (0 = any)"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &ReviewsCommand{CommandDescription: desc, app: a}, nil
}

func (c *ReviewsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &ReviewsSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	client, err := backend.NewClient(c.app.cfg.Backend.BaseURL, backend.WithTimeout(c.app.cfg.Backend.Timeout))
	if err != nil {
		return err
	}
	return c.run(ctx, client, s, gp)
}

func (c *ReviewsCommand) run(ctx context.Context, client *backend.Client, s *ReviewsSettings, gp middlewares.Processor) error {
	req := backend.CarReviewVideosRequest{
		CarMake:  strings.TrimSpace(s.Make),
		CarModel: strings.TrimSpace(s.Model),
	}
	if s.Year > 0 {
		year := s.Year
		req.Year = &year
	}
	resp, err := client.CarReviewVideos(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		if len(resp.Videos) == 0 {
			return errors.Errorf("car review videos: %s", resp.Error)
		}
		log.Warn().Str("error", resp.Error).Msg("backend reported a partial video search")
	}
	for _, v := range resp.Videos {
		row := types.NewRow(
			types.MRP("id", v.ID),
			types.MRP("title", v.Title),
			types.MRP("url", v.URL),
			types.MRP("thumbnail", v.Thumbnail),
			types.MRP("description", v.Description),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ReviewsCommand{}
