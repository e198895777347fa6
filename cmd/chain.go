package cmd

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/config"
	"github.com/JakeFAU/geotile-pipeline/internal/fetch"
	collyfetcher "github.com/JakeFAU/geotile-pipeline/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/geotile-pipeline/internal/fetcher/headless"
	"github.com/JakeFAU/geotile-pipeline/internal/headless/detector"
	"github.com/JakeFAU/geotile-pipeline/internal/policy/ratelimit"
)

// buildChain assembles the configured strategies in order. The returned
// cleanup stops the headless browser when one was started.
func buildChain(cfg config.Config, logger *zap.Logger) (*fetch.Chain, func(), error) {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.RPS,
		DefaultBurst: cfg.RateLimit.Burst,
		PerHostRPS:   cfg.RateLimit.PerHost,
	})
	detect := detector.NewHeuristic(cfg.Fetch.DetectorMinText)

	base := collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.Fetch.Timeout,
		MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
	}
	plain := base
	plain.Name = fetch.StrategyHTTP
	antiBot := base
	antiBot.Name = fetch.StrategyAntiBot
	antiBot.AntiBot = true

	available := map[string]fetch.Strategy{
		fetch.StrategyHTTP:    collyfetcher.New(plain, limiter, detect, logger),
		fetch.StrategyAntiBot: collyfetcher.New(antiBot, limiter, detect, logger),
	}
	cleanup := func() {}
	if slices.Contains(cfg.Fetch.Strategies, config.StrategyBrowser) {
		if cfg.Headless.Enabled {
			browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
				MaxParallel:       cfg.Headless.MaxParallel,
				UserAgent:         cfg.Fetch.UserAgent,
				NavigationTimeout: cfg.Headless.NavigationTimeout,
				Settle:            cfg.Headless.Settle,
			}, limiter, detect, logger.Named("browser"))
			if err != nil {
				return nil, nil, fmt.Errorf("init headless fetcher: %w", err)
			}
			available[fetch.StrategyBrowser] = browser
			cleanup = browser.Close
		} else {
			logger.Info("headless rendering disabled; browser strategy always escalates")
			available[fetch.StrategyBrowser] = headlessfetcher.NewDisabled()
		}
	}

	strategies, err := fetch.Select(cfg.Fetch.Strategies, available)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	chain, err := fetch.NewChain(strategies, cfg.RetryPolicy(), logger.Named("fetch"))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("init fetch chain: %w", err)
	}
	return chain, cleanup, nil
}
