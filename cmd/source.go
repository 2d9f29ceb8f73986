package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"imagedecloner/internal/errs"
	"imagedecloner/internal/feature"
	"imagedecloner/internal/fileutil"
	"imagedecloner/internal/session"
	"imagedecloner/internal/source"
	"imagedecloner/internal/source/local"
	"imagedecloner/internal/source/remote"
	"imagedecloner/internal/storage"
)

// remotePrefix selects the photo library service as the source.
const remotePrefix = "remote:"

// openSource returns the backend named by arg: "remote:" for the photo
// library, anything else is a local directory.
func openSource(ctx context.Context, arg string) (source.Source, error) {
	if strings.HasPrefix(arg, remotePrefix) {
		client, err := openRemote(ctx)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	mode, err := fileutil.ParseMode(cfg.Local.DeleteMode)
	if err != nil {
		return nil, err
	}
	src, err := local.New(arg, local.Options{
		Recursive:  cfg.Local.Recursive,
		DeleteMode: mode,
		MoveTo:     cfg.Local.MoveTo,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

func openRemote(ctx context.Context) (*remote.Client, error) {
	retry := remote.DefaultRetryConfig()
	retry.MaxRetries = cfg.Remote.MaxRetries
	if cfg.Remote.Timeout > 0 {
		retry.Timeout = cfg.Remote.Timeout
	}
	httpClient := &http.Client{}

	creds, err := remote.NewCredentials(ctx, oauthConfig(), remote.NewTokenStore(cfg.Remote.TokenPath), remote.CredentialsOptions{
		HTTPClient:     httpClient,
		RefreshTimeout: retry.Timeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return remote.New(remote.Options{
		BaseURL:           cfg.Remote.BaseURL,
		HTTPClient:        httpClient,
		Tokens:            creds,
		Retry:             retry,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		MaxConcurrent:     cfg.Remote.MaxConcurrent,
		Logger:            logger,
	})
}

// openHistory opens the history journal. Commands keep working without it.
func openHistory() *storage.Storage {
	store, err := storage.NewStorage(cfg.HistoryDB)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.HistoryDB).Msg("history disabled")
		return nil
	}
	return store
}

// newController builds a session over src with the configured strategy.
// A nil store disables history.
func newController(src source.Source, store *storage.Storage, progress func(scanned, total int, current string)) (*session.Controller, error) {
	strat, err := feature.New(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	opts := session.Options{
		Threshold:   cfg.Threshold,
		Workers:     cfg.Workers,
		ItemTimeout: cfg.ItemTimeout,
		Progress:    progress,
		Logger:      logger,
	}
	if store != nil {
		opts.History = store
	}
	return session.New(src, strat, opts), nil
}

// explain adds a hint to errors the user can act on.
func explain(err error) error {
	switch {
	case errors.Is(err, errs.ErrAuth):
		return fmt.Errorf("%w\nRun 'imagedecloner auth login' to sign in to the photo library", err)
	case errors.Is(err, errs.ErrNotFound):
		return fmt.Errorf("%w\nCheck that the folder exists", err)
	}
	return err
}
