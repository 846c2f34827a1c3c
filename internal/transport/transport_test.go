package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/config"
	"github.com/tillbridge/tillbridge/internal/presence"
	"github.com/tillbridge/tillbridge/internal/session"
	"github.com/tillbridge/tillbridge/internal/tenant"
)

// stubTenants approves every pair and routes it to its appId.
type stubTenants struct{}

func (stubTenants) Validate(_ context.Context, storeID, appID string) (tenant.Validation, error) {
	return tenant.Validation{
		Valid:         true,
		DaysRemaining: 30,
		Store: &tenant.StoreInfo{
			StoreID:       storeID,
			StoreName:     "Test Store",
			AppID:         appID,
			LicenseExpire: time.Now().Add(30 * 24 * time.Hour),
		},
	}, nil
}

func (stubTenants) DatabaseFor(_ context.Context, _, appID string) (string, bool, error) {
	return appID, true, nil
}

func (stubTenants) HealthCheck(context.Context) error { return nil }
func (stubTenants) Close() error                      { return nil }

func testConfig() *config.Config {
	return &config.Config{
		PingTimeout:    10 * time.Second,
		PingInterval:   time.Hour,
		UpgradeTimeout: 5 * time.Second,
		MaxBufferSize:  1 << 20,
	}
}

// newTestHub builds a hub whose sessions can identify and ping; nothing in
// these tests reaches the store.
func newTestHub(cfg *config.Config) *session.Hub {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return session.NewHub(session.Deps{
		Config:   cfg,
		Tenants:  stubTenants{},
		Presence: presence.Noop{},
		Log:      log,
	})
}

// waitFor polls cond until it holds or the deadline lapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
