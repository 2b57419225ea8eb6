package cmds

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/events"
	"github.com/go-go-golems/chatwidget/pkg/persistence/summarystore"
	"github.com/go-go-golems/chatwidget/pkg/session"
)

// runtime holds the long-lived collaborators shared by chat and serve.
type runtime struct {
	cfg    *config.Config
	client *backend.Client
	bus    *events.Bus
	store  summarystore.Store
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	client, err := backend.NewClient(cfg.Backend.BaseURL, backend.WithTimeout(cfg.Backend.Timeout))
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	bus, err := events.NewBus(cfg.Events)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, client: client, bus: bus, store: store}, nil
}

func openStore(cfg *config.Config) (summarystore.Store, error) {
	if cfg.Store.SummaryDB == "" {
		return summarystore.NewInMemoryStore(), nil
	}
	dsn, err := summarystore.DSNForFile(cfg.Store.SummaryDB)
	if err != nil {
		return nil, err
	}
	store, err := summarystore.NewSQLiteStore(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open summary store")
	}
	log.Debug().Str("path", cfg.Store.SummaryDB).Msg("archiving summaries to sqlite")
	return store, nil
}

func (r *runtime) newSession(id string) *session.Session {
	sc := r.cfg.Session
	return session.New(r.client,
		session.WithID(id),
		session.WithNotifier(events.NewNotifier(r.bus.Publisher())),
		session.WithSummaryArchive(r.store),
		session.WithInactivityTimeout(sc.InactivityTimeout),
		session.WithGreeting(sc.Greeting),
		session.WithTimeGrounding(session.TimeGrounding{
			Zone:           sc.TimeZone,
			Label:          sc.TimeZoneLabel,
			FallbackOffset: sc.FallbackOffset,
		}),
	)
}

const (
	summarySourceArchive = "archive"
	summarySourceBackend = "backend"
)

// lookupSummary checks the local archive before asking the backend and
// reports where the summary came from.
func (r *runtime) lookupSummary(ctx context.Context, id string) (*backend.Summary, string, error) {
	if rec, ok, err := r.store.Get(ctx, id); err != nil {
		return nil, "", err
	} else if ok {
		sum := rec.Summary
		return &sum, summarySourceArchive, nil
	}
	sum, err := r.client.GetSummary(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return sum, summarySourceBackend, nil
}

func (r *runtime) Close() error {
	var firstErr error
	if err := r.bus.Close(); err != nil {
		firstErr = err
	}
	if err := r.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
