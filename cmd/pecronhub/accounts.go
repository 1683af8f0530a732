package main

import (
	"fmt"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/joshp123/pecronhub/internal/config"
	"github.com/joshp123/pecronhub/internal/fleet"
	"github.com/joshp123/pecronhub/internal/pecron"
	"github.com/joshp123/pecronhub/internal/rate"
	"github.com/joshp123/pecronhub/internal/retry"
	"github.com/joshp123/pecronhub/internal/schema"
)

type account struct {
	cfg    config.AccountConfig
	client *pecron.Client
	cache  *schema.Cache
	coord  *fleet.Coordinator
}

// newClient builds the rate-guarded cloud client for one account.
func newClient(acct config.AccountConfig, tuning config.TuningConfig, log logr.Logger) (*pecron.Client, error) {
	region, err := pecron.ParseRegion(acct.Region)
	if err != nil {
		return nil, err
	}
	password, err := acct.ResolvePassword()
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", acct.ID, err)
	}

	decl := rate.Account(acct.ID).ReadHeaders(rate.StandardHeaders())
	if limit := *tuning.RatePerMinute; limit > 0 {
		decl = decl.MaxRequestsPer(rate.Minute, limit)
	}
	httpClient := rate.WrapHTTP(decl, &http.Client{Timeout: tuning.RequestTimeout})

	creds := pecron.NewCredentials(acct.Email, password, region)
	return pecron.NewClient(pecron.Config{
		Account: acct.ID,
		Region:  region,
		BaseURL: acct.BaseURL,
		Timeout: tuning.RequestTimeout,
	}, creds, httpClient, log.WithValues("account", acct.ID))
}

func newAccount(acct config.AccountConfig, tuning config.TuningConfig, log logr.Logger) (*account, error) {
	client, err := newClient(acct, tuning, log)
	if err != nil {
		return nil, err
	}
	cache, err := schema.NewCache(client, *tuning.SchemaTTL, log.WithValues("account", acct.ID))
	if err != nil {
		return nil, err
	}

	policy := retry.DefaultPolicy().WithAttempts(tuning.FetchAttempts)
	policy.Log = log.WithName("retry").WithValues("account", acct.ID)

	coord, err := fleet.NewCoordinator(client, cache, fleet.Options{
		Account:       acct.ID,
		Interval:      acct.PollInterval,
		SettleWindow:  tuning.SettleWindow,
		ConfirmDelays: tuning.ConfirmDelays,
		MaxConcurrent: tuning.MaxConcurrentFetches,
		Policy:        policy,
		Metrics:       fleet.NewMetrics(acct.ID),
		Log:           log,
	})
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("account %s: %w", acct.ID, err)
	}
	return &account{cfg: acct, client: client, cache: cache, coord: coord}, nil
}

func (a *account) close() {
	a.coord.Close()
	a.cache.Close()
}
