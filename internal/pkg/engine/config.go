package engine

import (
	"time"

	"github.com/zpiroux/fnchain/entity"
)

const (
	defaultEventLogInterval        = 500
	defaultInitialLoadRetryBackoff = 2 * time.Second
	defaultMaxLoadRetryBackoff     = 240 * time.Second
)

type Config struct {
	NotifyChan entity.NotifyChan `json:"-"`
	Log        bool

	// EventLogInterval is the number of events between metric log lines per destination
	EventLogInterval int

	// Backoff for retryable sink load errors, doubled per attempt up to the max
	InitialLoadRetryBackoff time.Duration
	MaxLoadRetryBackoff     time.Duration

	PreChainHookFunc  entity.PreChainHookFunc  `json:"-"`
	PostChainHookFunc entity.PostChainHookFunc `json:"-"`
}

func (c *Config) ensureValidDefaults() {
	if c.EventLogInterval <= 0 {
		c.EventLogInterval = defaultEventLogInterval
	}
	if c.InitialLoadRetryBackoff <= 0 {
		c.InitialLoadRetryBackoff = defaultInitialLoadRetryBackoff
	}
	if c.MaxLoadRetryBackoff <= 0 {
		c.MaxLoadRetryBackoff = defaultMaxLoadRetryBackoff
	}
}
