package migrator

import (
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/lifecycle"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/log"
)

type options struct {
	logger log.Logger
	hook   lifecycle.StateHook
	runID  func() string
}

// Option configures a Worker.
type Option func(*options)

// WithLogger sets the logger shared by every worker component.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStateHook observes lifecycle transitions.
func WithStateHook(h lifecycle.StateHook) Option {
	return func(o *options) { o.hook = h }
}

// WithRunIDs replaces the uuid run id source used to name audit trails.
func WithRunIDs(fn func() string) Option {
	return func(o *options) { o.runID = fn }
}
