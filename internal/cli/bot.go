package cli

import (
	"fmt"

	"github.com/umuteyi/movliqbot/internal/api"
	"github.com/umuteyi/movliqbot/internal/config"
	"github.com/umuteyi/movliqbot/internal/coordinator"
	"github.com/umuteyi/movliqbot/internal/hub"
	"github.com/umuteyi/movliqbot/internal/rooms"
	"github.com/umuteyi/movliqbot/internal/scheduler"
	"github.com/umuteyi/movliqbot/internal/session"
	"github.com/umuteyi/movliqbot/internal/telemetry"
)

// bot is the fully wired object graph of a run.
type bot struct {
	client      *api.Client
	sessions    *session.Store
	directory   *rooms.Directory
	pool        *telemetry.Pool
	coordinator *coordinator.Coordinator
	scheduler   *scheduler.Scheduler
}

func newBot(cfg *config.Config) (*bot, error) {
	dial, err := hub.NewDialer(cfg.HubTransport, hub.Options{URL: cfg.HubURL})
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}

	b := &bot{}
	b.client = api.NewClient(api.Options{
		BaseURL:             cfg.APIBaseURL,
		Timeout:             cfg.APITimeout,
		AlreadyMemberMarker: cfg.AlreadyMemberMarker,
	})
	b.sessions = session.NewStore(b.client, session.Options{LoginDelay: cfg.LoginDelay})
	b.directory = rooms.NewDirectory(b.client, rooms.Options{
		DefaultCapacity: cfg.DefaultCapacity,
		OpenStatus:      cfg.OpenStatus,
	})
	b.pool = telemetry.NewPool(dial, telemetry.PoolOptions{
		Connection: telemetry.Options{
			WarmupDelay:   cfg.WarmupDelay,
			TickPeriod:    cfg.TickPeriod,
			InvokeTimeout: cfg.HubInvokeTimeout,
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Resubscribe:     cfg.ResubscribeAfterRefresh,
	})
	b.sessions.SetTokenListener(b.pool)

	b.coordinator = coordinator.New(b.sessions, b.directory, b.client, b.pool, coordinator.Options{
		BatchSize:   cfg.BatchSize,
		MinSpacing:  cfg.MinJoinSpacing,
		PacingDelay: cfg.PacingDelay,
		MinRoomAge:  cfg.MinRoomAge,
	})
	b.scheduler = scheduler.New(b.sessions, b.coordinator, b.pool, scheduler.Options{
		TokenRefreshInterval: cfg.TokenRefreshInterval,
		RoomCheckInterval:    cfg.RoomCheckInterval,
	})
	return b, nil
}

func (b *bot) close() {
	_ = b.client.Close()
}
