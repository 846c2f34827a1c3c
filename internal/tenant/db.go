package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/config"
)

// tenantQuery reads one directory row from the administrative database.
const tenantQuery = `SELECT StoreId, StoreName, AdvancedReportAppId, AdvancedReportLicenseExpire
FROM store_details
WHERE StoreId = ? AND AdvancedReportAppId = ?`

type cacheEntry struct {
	info *StoreInfo
	at   time.Time
}

// DBDirectory serves the tenant table from the administrative database with a
// small TTL cache in front, so the license gate does not hit that database on
// every event.
type DBDirectory struct {
	db  *sql.DB
	ttl time.Duration
	log *logrus.Entry

	mu    sync.Mutex
	cache map[key]cacheEntry
}

// NewDBDirectory opens the administrative database described by cfg.
func NewDBDirectory(cfg config.DB, ttl time.Duration, log *logrus.Logger) (*DBDirectory, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.Name
	mc.ParseTime = true

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening tenant database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &DBDirectory{
		db:    db,
		ttl:   ttl,
		log:   log.WithField("component", "tenant"),
		cache: make(map[key]cacheEntry),
	}, nil
}

// fetch returns the directory row for the pair, nil when the pair is unknown.
// Both answers are cached for the TTL.
func (d *DBDirectory) fetch(ctx context.Context, storeID, appID string) (*StoreInfo, error) {
	k := key{storeID, appID}

	d.mu.Lock()
	if entry, ok := d.cache[k]; ok && time.Since(entry.at) < d.ttl {
		d.mu.Unlock()
		return entry.info, nil
	}
	d.mu.Unlock()

	var (
		id, name, app sql.NullString
		expire        sql.NullTime
	)
	err := d.db.QueryRowContext(ctx, tenantQuery, storeID, appID).Scan(&id, &name, &app, &expire)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		d.remember(k, nil)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("tenant lookup for store %s: %w", storeID, err)
	}

	info := &StoreInfo{
		StoreID:       id.String,
		StoreName:     name.String,
		AppID:         app.String,
		LicenseExpire: expire.Time,
	}
	d.remember(k, info)
	return info, nil
}

func (d *DBDirectory) remember(k key, info *StoreInfo) {
	d.mu.Lock()
	d.cache[k] = cacheEntry{info: info, at: time.Now()}
	d.mu.Unlock()
}

// Validate implements Service.
func (d *DBDirectory) Validate(ctx context.Context, storeID, appID string) (Validation, error) {
	info, err := d.fetch(ctx, storeID, appID)
	if err != nil {
		return Validation{}, err
	}
	return evaluate(info, time.Now()), nil
}

// DatabaseFor implements Service.
func (d *DBDirectory) DatabaseFor(ctx context.Context, storeID, appID string) (string, bool, error) {
	info, err := d.fetch(ctx, storeID, appID)
	if err != nil {
		return "", false, err
	}
	if info == nil {
		return "", false, nil
	}
	return appID, true, nil
}

// HealthCheck implements Service.
func (d *DBDirectory) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close implements Service.
func (d *DBDirectory) Close() error {
	return d.db.Close()
}
