package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/joescharf/wake/internal/engine"
	wlog "github.com/joescharf/wake/internal/log"
	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/notify"
	"github.com/joescharf/wake/internal/reconcile"
	"github.com/joescharf/wake/internal/remote"
	"github.com/joescharf/wake/internal/synchronizer"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// contextID names this process among the user's live contexts.
func contextID() string {
	if id := viper.GetString("context_id"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "wake"
	}
	return host + "-" + uuid.NewString()[:8]
}

// snoozeDefaults is the policy given to alarms created without one.
func snoozeDefaults() models.SnoozePolicy {
	interval := viper.GetDuration("snooze.default_interval")
	return models.SnoozePolicy{
		Enabled:  interval > 0,
		Interval: interval,
		MaxCount: viper.GetInt("snooze.default_max"),
	}
}

// engineMode selects what this process contributes to the user context.
type engineMode struct {
	// runAgent makes this process the one that fires alarms.
	runAgent bool
	// interactive shows alerts on the configured notifier.
	interactive bool
	// contextID overrides the generated context id.
	contextID string
}

// openEngine builds the engine for this process. The returned close func
// releases the bus connection.
func openEngine(ctx context.Context, mode engineMode) (*engine.Engine, func(), error) {
	s, err := getStore()
	if err != nil {
		return nil, nil, err
	}

	bus, closeBus, err := openBus(ctx)
	if err != nil {
		return nil, nil, err
	}

	var rs reconcile.RemoteStore
	if url := viper.GetString("remote.url"); url != "" {
		rs = remote.NewClient(url, viper.GetDuration("remote.timeout"))
	}

	var notifier notify.Notifier
	if mode.interactive && viper.GetString("notify.backend") == "terminal" {
		notifier = notify.NewTerminalNotifier(ui)
	}

	maxAttempts := viper.GetInt("sync.max_attempts")
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	id := mode.contextID
	if id == "" {
		id = contextID()
	}

	e, err := engine.New(engine.UserContext{
		UserID:    viper.GetString("user_id"),
		ContextID: id,
		Cache:     s,
	}, engine.Options{
		Remote:         rs,
		Bus:            bus,
		Notifier:       notifier,
		Logger:         wlog.WithComponent("engine"),
		RunAgent:       mode.runAgent,
		RescanInterval: viper.GetDuration("agent.rescan_interval"),
		SyncInterval:   viper.GetDuration("sync.interval"),
		MaxAttempts:    uint(maxAttempts),
		InitialBackoff: viper.GetDuration("sync.initial_backoff"),
		MaxBackoff:     viper.GetDuration("sync.max_backoff"),
		Concurrency:    viper.GetInt("sync.concurrency"),
		OnDeliveryError: func(err error) {
			ui.VerboseLog("%v", err)
		},
	})
	if err != nil {
		closeBus()
		return nil, nil, err
	}
	return e, closeBus, nil
}

// openBus connects to the configured cross-context bus.
func openBus(ctx context.Context) (synchronizer.Bus, func(), error) {
	switch backend := viper.GetString("bus.backend"); backend {
	case "", "memory":
		return synchronizer.NewMemoryBus(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: viper.GetString("bus.redis_addr")})
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis bus at %s: %w", viper.GetString("bus.redis_addr"), err)
		}
		bus := synchronizer.NewRedisBus(client, wlog.WithComponent("bus"))
		return bus, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus backend %q (want memory or redis)", backend)
	}
}

// withEngine runs fn against a non-interactive engine whose schedule is
// loaded, for one-shot commands.
func withEngine(fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx := context.Background()
	e, closeFn, err := openEngine(ctx, engineMode{})
	if err != nil {
		return err
	}
	defer closeFn()
	if err := e.Agent().Resume(ctx); err != nil {
		return err
	}
	return fn(ctx, e)
}
