// Package app assembles an executor and its stages from a Config.
package app

import (
	"github.com/Witriol/filegetter/internal/archive"
	"github.com/Witriol/filegetter/internal/config"
	"github.com/Witriol/filegetter/internal/downloader"
	"github.com/Witriol/filegetter/internal/getter"
	"github.com/Witriol/filegetter/internal/resolver"
)

type Pipeline struct {
	Executor *getter.Executor
	Fetcher  *getter.Fetcher

	closeIdle func()
}

// Transfer returns the transfer engine selected by cfg.Engine.
func Transfer(cfg config.Config) (getter.Transfer, func()) {
	if cfg.Engine == config.EngineAria2 {
		client := downloader.NewAria2Client(cfg.Aria2.RPC, cfg.Aria2.Secret)
		return downloader.NewAria2Transfer(client, cfg.Aria2.PollInterval), func() {}
	}
	opts := downloader.DefaultOptions()
	opts.Timeout = cfg.HTTP.Timeout
	opts.RetryAttempts = cfg.HTTP.RetryAttempts
	if cfg.HTTP.RetryBackoff > 0 {
		opts.RetryBackoff = cfg.HTTP.RetryBackoff
	}
	if cfg.HTTP.RetryMaxBackoff > 0 {
		opts.RetryMaxBackoff = cfg.HTTP.RetryMaxBackoff
	}
	client := downloader.NewHTTPClient(opts)
	return client, client.CloseIdleConnections
}

// New builds the three stages and starts an executor over them.
func New(cfg config.Config) *Pipeline {
	transfer, closeIdle := Transfer(cfg)

	fetcher := getter.NewFetcher(transfer, resolver.NewRegistry(resolver.NewHTTPResolver()))
	if cfg.ProgressInterval > 0 {
		fetcher.MinProgressInterval = cfg.ProgressInterval
	}
	return &Pipeline{
		Executor:  getter.NewExecutor(fetcher, getter.NewVerifier(), Extractor(cfg)),
		Fetcher:   fetcher,
		closeIdle: closeIdle,
	}
}

// Extractor returns the expand stage configured by cfg.Archive.
func Extractor(cfg config.Config) *getter.Extractor {
	x := getter.NewExtractor(archive.Selector{
		Command:  cfg.Archive.Command,
		Password: cfg.Archive.Password,
	})
	if cfg.ExtractPollInterval > 0 {
		x.PollInterval = cfg.ExtractPollInterval
	}
	return x
}

// Close stops the executor and the fetch stage and releases idle connections.
func (p *Pipeline) Close() {
	p.Executor.Shutdown()
	p.Fetcher.Shutdown()
	p.closeIdle()
}
