// Package controlplane handles the three bus-delivered admin channels: runtime log-level changes, the reset
// signal, and metrics snapshot requests. It is dispatched to from the same decode/switch as domain events, not a
// separate subscription.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/collabhub/pushgate/internal/metrics"
	"github.com/collabhub/pushgate/internal/registry"
)

// MetricsResultKey is the well-known bus key the "metrics" query response is published on.
const MetricsResultKey = "notify_push_metrics"

// ControlPlane applies admin messages delivered over notify_config, notify_signal, and notify_query.
type ControlPlane struct {
	reg     *registry.Registry
	rdb     *redis.Client
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu            sync.Mutex
	previousLevel zerolog.Level
	hasPrevious   bool
}

// New builds a ControlPlane. rdb is used only to publish the metrics snapshot response; it may be nil in tests
// that never exercise HandleQuery.
func New(reg *registry.Registry, rdb *redis.Client, m *metrics.Metrics, log zerolog.Logger) *ControlPlane {
	return &ControlPlane{
		reg:     reg,
		rdb:     rdb,
		metrics: m,
		log:     log.With().Str("component", "controlplane").Logger(),
	}
}

// HandleLogSpec applies a log_spec message. The level in effect before the first log_spec since the last
// log_restore is retained for a later log_restore; further log_spec messages do not overwrite it. An unparseable
// spec is logged and otherwise ignored.
func (c *ControlPlane) HandleLogSpec(spec string) {
	level, err := zerolog.ParseLevel(spec)
	if err != nil {
		c.log.Warn().Err(err).Str("log_spec", spec).Msg("ignoring unparseable log_spec")
		return
	}

	c.mu.Lock()
	if !c.hasPrevious {
		c.previousLevel = zerolog.GlobalLevel()
		c.hasPrevious = true
	}
	c.mu.Unlock()

	zerolog.SetGlobalLevel(level)
	c.log.Info().Str("level", level.String()).Msg("log level changed")
}

// HandleLogRestore reverts the global log level to the level HandleLogSpec retained: the one in effect before the
// first log_spec since the previous restore. A log_restore with no preceding log_spec is a no-op.
func (c *ControlPlane) HandleLogRestore() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasPrevious {
		return
	}
	zerolog.SetGlobalLevel(c.previousLevel)
	c.log.Info().Str("level", c.previousLevel.String()).Msg("log level restored")
	c.hasPrevious = false
}

// HandleReset closes every currently registered connection, per the reset signal's "close all" contract.
func (c *ControlPlane) HandleReset() {
	c.log.Info().Int("connections", c.reg.ConnectionCount()).Msg("reset signal received, closing all connections")
	c.reg.CloseAll()
}

// HandleQuery answers a "metrics" query by publishing a JSON snapshot of every counter to MetricsResultKey. Any
// other query string is ignored; unrecognized admin requests are not an error.
func (c *ControlPlane) HandleQuery(ctx context.Context, query string) {
	if query != "metrics" {
		return
	}
	if c.rdb == nil {
		return
	}

	snapshot := c.metrics.Snapshot()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal metrics snapshot")
		return
	}

	if err := c.rdb.Publish(ctx, MetricsResultKey, payload).Err(); err != nil {
		c.log.Error().Err(err).Msg(fmt.Sprintf("publish metrics snapshot to %s", MetricsResultKey))
	}
}
