// Package tenant answers the two questions every privileged session op asks:
// is this (storeId, appId) pair licensed right now, and which physical
// database does it map to. Both answers come from the same directory lookup,
// so a session that passes the gate is always routable.
//
// The directory itself is external and read-only from here: either a YAML
// file that is hot-reloaded on change, or a table in the administrative
// database.
package tenant

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/config"
)

// StoreInfo is one tenant directory row.
type StoreInfo struct {
	StoreID       string    `json:"storeId"`
	StoreName     string    `json:"storeName"`
	AppID         string    `json:"appId"`
	LicenseExpire time.Time `json:"licenseExpire"`
}

// Validation is the outcome of a license check. Infrastructure failures are
// reported separately as errors; Validation always describes a definite
// answer from the directory.
type Validation struct {
	Valid         bool
	Expired       bool
	Reason        string
	DaysRemaining int
	Store         *StoreInfo
}

// Service is the fused authorisation and routing lookup.
type Service interface {
	// Validate checks the pair against the directory and the wall clock.
	Validate(ctx context.Context, storeID, appID string) (Validation, error)
	// DatabaseFor returns the physical database for the pair, which is the
	// appId itself whenever the pair exists.
	DatabaseFor(ctx context.Context, storeID, appID string) (string, bool, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// New selects the directory source: the administrative database when its
// credentials are configured, otherwise the YAML file.
func New(cfg *config.Config, log *logrus.Logger) (Service, error) {
	if cfg.TenantDB.Configured() {
		return NewDBDirectory(cfg.TenantDB, cfg.TenantCacheTTL, log)
	}
	return NewFileDirectory(cfg.TenantFile, log)
}

type key struct {
	storeID string
	appID   string
}

// evaluate applies the license rules to a directory answer. A nil info means
// the pair is unknown. Expiry is inclusive: a license expiring exactly now is
// already expired.
func evaluate(info *StoreInfo, now time.Time) Validation {
	if info == nil {
		return Validation{
			Valid:   false,
			Expired: true,
			Reason:  "store not found or invalid app",
		}
	}
	if !info.LicenseExpire.After(now) {
		return Validation{
			Valid:   false,
			Expired: true,
			Reason:  "license expired",
			Store:   info,
		}
	}
	days := int(math.Ceil(info.LicenseExpire.Sub(now).Hours() / 24))
	return Validation{Valid: true, DaysRemaining: days, Store: info}
}
