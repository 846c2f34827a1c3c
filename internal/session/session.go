// Package session owns one connected peer: the identification state machine,
// the license gate, and the routing of every inbound event to the engine
// underneath. The transport calls HandleEvent from a single goroutine per
// connection, so handlers run in arrival order and each response is emitted
// before the next event is looked at; nothing here queues.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/bulkload"
	"github.com/tillbridge/tillbridge/internal/config"
	"github.com/tillbridge/tillbridge/internal/presence"
	"github.com/tillbridge/tillbridge/internal/rowop"
	"github.com/tillbridge/tillbridge/internal/schema"
	"github.com/tillbridge/tillbridge/internal/telemetry"
	"github.com/tillbridge/tillbridge/internal/tenant"
)

// ServiceAdvancedReport is the serviceType that switches the license gate on.
// Other service types identify as legacy sessions and bind tenant fields only.
const ServiceAdvancedReport = "advanced_online_report"

// closeGrace is how long an identification failure leaves the connection open
// so the peer can read the reason before the disconnect.
const closeGrace = time.Second

// Inbound events.
const (
	evIdentify        = "identify"
	evPing            = "ping"
	evSyncData        = "sync_data"
	evBatchSync       = "batch_sync"
	evSyncDDL         = "sync_ddl_operation"
	evVerifyTable     = "verify_and_sync_table"
	evCreateTable     = "create_table_from_schema"
	evSchemaResponse  = "table_schema_response"
	evFullSyncData    = "full_data_sync_response"
	evInitialSyncData = "initial_sync_data_response"
	evForceSync       = "force_sync_request"
	evClearTables     = "clear_database_tables"
	evCSVUpload       = "csv_bulk_upload"
	evCSVUploadStart  = "csv_bulk_upload_start"
	evCSVUploadChunk  = "csv_bulk_upload_chunk"
)

// Outbound events.
const (
	evIdentified          = "identified"
	evLicenseExpired      = "license_expired"
	evLicenseError        = "license_error"
	evIdentificationError = "identification_error"
	evPong                = "pong"
	evSyncResponse        = "sync_response"
	evBatchSyncResponse   = "batch_sync_response"
	evDDLSuccess          = "ddl_sync_success"
	evDDLError            = "ddl_sync_error"
	evVerifyResponse      = "verify_and_sync_response"
	evRequestSchema       = "request_table_schema"
	evTableCreated        = "table_created"
	evRequestFullSync     = "request_full_data_sync"
	evFullSyncProgress    = "full_data_sync_progress"
	evFullSyncComplete    = "full_data_sync_complete"
	evInitialSyncProgress = "initial_sync_progress"
	evInitialSyncComplete = "initial_sync_complete"
	evCSVSyncRequest      = "csv_bulk_sync_request"
	evCSVUploadResponse   = "csv_bulk_upload_response"
	evCSVImportProgress   = "csv_bulk_import_progress"
	evCSVImportComplete   = "csv_file_import_complete"
	evClearResponse       = "clear_database_response"
	evForceSyncResponse   = "force_sync_response"
)

// State is the lifecycle position of one session.
type State int

const (
	StateNew State = iota
	StateIdentifying
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Peer is the transport half of a connection. Implementations serialise their
// own writes; Emit may be called from any goroutine.
type Peer interface {
	ID() string
	Emit(event string, data any) error
	Close() error
}

// RowApplier applies decoded row operations to the target store.
type RowApplier interface {
	Apply(ctx context.Context, op rowop.Op) (rowop.Result, error)
	ApplyBootstrap(ctx context.Context, op rowop.Op) (rowop.Result, error)
}

// TableStore is the slice of the store layer the session drives directly:
// raw statements for translated DDL plus the introspection and clearing
// helpers behind the table-sync events.
type TableStore interface {
	Exec(ctx context.Context, database, query string, args ...any) (sql.Result, error)
	TableExists(ctx context.Context, database, name string) (bool, error)
	RowCount(ctx context.Context, database, table string) (int64, error)
	ClearTables(ctx context.Context, database string, tables []string) ([]string, error)
	DropAllTables(ctx context.Context, database string) ([]string, error)
}

// TableCreator materialises a wire schema into a target table.
type TableCreator interface {
	CreateTable(ctx context.Context, database, table string, s schema.TableSchema, businessType string) error
}

// CSVImporter bulk-loads a reassembled upload into its table.
type CSVImporter interface {
	ImportCSV(ctx context.Context, database, table, filePath string) (*bulkload.ImportResult, error)
}

// Deps carries the collaborators shared by every session.
type Deps struct {
	Config   *config.Config
	Tenants  tenant.Service
	Rows     RowApplier
	Store    TableStore
	Schema   TableCreator
	CSV      CSVImporter
	Presence presence.Publisher
	Metrics  *telemetry.Metrics
	Log      *logrus.Logger
}

// Hub tracks live sessions so shutdown can close them and server-initiated
// events can reach every connected peer.
type Hub struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub creates an empty hub.
func NewHub(deps Deps) *Hub {
	return &Hub{deps: deps, sessions: make(map[string]*Session)}
}

// Accept wires a connected peer into a new session.
func (h *Hub) Accept(peer Peer) *Session {
	s := newSession(peer, h.deps, h)
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	h.deps.Metrics.SessionOpened(context.Background())
	s.log.WithField("connected", n).Info("session accepted")
	return s
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) snapshot() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast emits event to every identified session.
func (h *Hub) Broadcast(event string, data any) {
	for _, s := range h.snapshot() {
		if s.State() == StateReady {
			s.emit(event, data)
		}
	}
}

// CloseAll tears down every live session; used during shutdown.
func (h *Hub) CloseAll() {
	for _, s := range h.snapshot() {
		s.Close()
	}
}

// Session is the server half of one connection.
type Session struct {
	id   string
	peer Peer
	deps Deps
	hub  *Hub
	log  *logrus.Entry

	grace time.Duration

	mu          sync.Mutex
	state       State
	storeID     string
	appID       string
	serviceType string
	license     *tenant.StoreInfo
	closeTimer  *time.Timer

	fullSyncActive bool
	uploads        map[bulkload.Key]*bulkload.Accumulator
	pending        map[string]*pendingTable
	totals         map[string]*seedTotals
	watches        map[string]*seedWatch
	savedFiles     map[string]struct{}
}

// pendingTable remembers, between verify_and_sync_table and the
// table_schema_response that answers it, how the rebuilt table should be
// seeded.
type pendingTable struct {
	originalSyncID string
	useCSV         bool
	batchSize      int
	businessType   string
}

// seedTotals accumulates bootstrap counters across the batches of one table.
type seedTotals struct {
	inserted int64
	skipped  int64
	failed   int64
}

// seedWatch re-requests a row bootstrap when the peer goes quiet.
type seedWatch struct {
	syncID    string
	batchSize int
	attempts  int
	timer     *time.Timer
}

func newSession(peer Peer, deps Deps, hub *Hub) *Session {
	return &Session{
		id:         peer.ID(),
		peer:       peer,
		deps:       deps,
		hub:        hub,
		log:        deps.Log.WithField("socket_id", peer.ID()),
		grace:      closeGrace,
		state:      StateNew,
		uploads:    make(map[bulkload.Key]*bulkload.Accumulator),
		pending:    make(map[string]*pendingTable),
		totals:     make(map[string]*seedTotals),
		watches:    make(map[string]*seedWatch),
		savedFiles: make(map[string]struct{}),
	}
}

// ID returns the socket id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FullSyncActive reports whether a row bootstrap is in flight.
func (s *Session) FullSyncActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullSyncActive
}

func (s *Session) ready() bool { return s.State() == StateReady }

// HandleEvent routes one inbound event. Until identification completes only
// identify and ping are honoured; everything else draws identification_error.
func (s *Session) HandleEvent(ctx context.Context, event string, data json.RawMessage) {
	if s.State() == StateClosed {
		return
	}

	ok := true
	switch event {
	case evPing:
		s.handlePing()
	case evIdentify:
		ok = s.handleIdentify(ctx, data)
	default:
		if !s.ready() {
			s.log.WithField("event", event).Warn("event before identification")
			s.emit(evIdentificationError, map[string]any{
				"event":     event,
				"error":     "session is not identified",
				"timestamp": nowStamp(),
			})
			ok = false
			break
		}
		switch event {
		case evSyncData:
			ok = s.handleSyncData(ctx, data)
		case evBatchSync:
			ok = s.handleBatchSync(ctx, data)
		case evSyncDDL:
			ok = s.handleDDL(ctx, data)
		case evVerifyTable:
			ok = s.handleVerifyTable(ctx, data)
		case evCreateTable:
			ok = s.handleCreateTable(ctx, data)
		case evSchemaResponse:
			ok = s.handleSchemaResponse(ctx, data)
		case evFullSyncData:
			ok = s.handleSeedBatch(ctx, data, evFullSyncProgress, evFullSyncComplete)
		case evInitialSyncData:
			ok = s.handleSeedBatch(ctx, data, evInitialSyncProgress, evInitialSyncComplete)
		case evForceSync:
			ok = s.handleForceSync(ctx, data)
		case evClearTables:
			ok = s.handleClearTables(ctx, data)
		case evCSVUpload:
			ok = s.handleCSVUpload(ctx, data)
		case evCSVUploadStart:
			ok = s.handleCSVUploadStart(ctx, data)
		case evCSVUploadChunk:
			ok = s.handleCSVUploadChunk(ctx, data)
		default:
			s.log.WithField("event", event).Warn("unknown event")
			ok = false
		}
	}
	s.deps.Metrics.Event(ctx, event, ok)
}

func (s *Session) handlePing() {
	s.emit(evPong, map[string]any{"timestamp": nowStamp()})
}

type identifyRequest struct {
	StoreID     string `json:"storeId"`
	AppID       string `json:"appId"`
	ServiceType string `json:"serviceType"`
}

func (s *Session) handleIdentify(ctx context.Context, data json.RawMessage) bool {
	var req identifyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.failIdentification(evLicenseError, map[string]any{
			"code":      400,
			"error":     "malformed identify payload",
			"timestamp": nowStamp(),
		})
		return false
	}
	if req.StoreID == "" || req.AppID == "" || req.ServiceType == "" {
		s.failIdentification(evLicenseError, map[string]any{
			"code":      400,
			"error":     "identify requires storeId, appId and serviceType",
			"timestamp": nowStamp(),
		})
		return false
	}

	s.setState(StateIdentifying)
	log := s.log.WithFields(logrus.Fields{
		"store_id": req.StoreID,
		"app_id":   req.AppID,
		"service":  req.ServiceType,
	})

	identified := map[string]any{
		"socketId":    s.id,
		"storeId":     req.StoreID,
		"appId":       req.AppID,
		"serviceType": req.ServiceType,
		"timestamp":   nowStamp(),
	}

	if req.ServiceType == ServiceAdvancedReport {
		v, err := s.deps.Tenants.Validate(ctx, req.StoreID, req.AppID)
		if err != nil {
			log.WithError(err).Error("license validation failed")
			s.failIdentification(evLicenseError, map[string]any{
				"code":      400,
				"error":     "license validation unavailable",
				"timestamp": nowStamp(),
			})
			return false
		}
		switch {
		case v.Valid:
		case v.Store != nil:
			log.WithField("license_expire", v.Store.LicenseExpire).Warn("license expired")
			s.failIdentification(evLicenseExpired, map[string]any{
				"code":          410,
				"error":         v.Reason,
				"storeId":       req.StoreID,
				"appId":         req.AppID,
				"licenseExpire": v.Store.LicenseExpire.UTC().Format(time.RFC3339),
				"timestamp":     nowStamp(),
			})
			return false
		default:
			log.Warn("unknown store/app pair")
			s.failIdentification(evLicenseError, map[string]any{
				"code":      400,
				"error":     v.Reason,
				"timestamp": nowStamp(),
			})
			return false
		}
		identified["storeName"] = v.Store.StoreName
		identified["daysRemaining"] = v.DaysRemaining
		identified["licenseExpire"] = v.Store.LicenseExpire.UTC().Format(time.RFC3339)
		s.bind(req, v.Store)
		log.WithField("days_remaining", v.DaysRemaining).Info("session identified")
	} else {
		s.bind(req, nil)
		log.Info("legacy session identified")
	}

	s.emit(evIdentified, identified)
	s.deps.Presence.Online(ctx, req.StoreID, req.AppID)
	return true
}

// bind transitions to READY with the peer's identity attached.
func (s *Session) bind(req identifyRequest, info *tenant.StoreInfo) {
	s.mu.Lock()
	s.storeID = req.StoreID
	s.appID = req.AppID
	s.serviceType = req.ServiceType
	s.license = info
	if s.state != StateClosed {
		s.state = StateReady
	}
	s.mu.Unlock()
	s.log = s.log.WithFields(logrus.Fields{"store_id": req.StoreID, "app_id": req.AppID})
}

// failIdentification emits the reason and schedules the grace disconnect so
// the peer can observe the event before the socket goes away.
func (s *Session) failIdentification(event string, data map[string]any) {
	s.emit(event, data)
	s.mu.Lock()
	if s.state != StateClosed && s.closeTimer == nil {
		s.closeTimer = time.AfterFunc(s.grace, s.Close)
	}
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// database resolves the physical database for this session, preferring the
// event's own tenant fields when the payload carries them.
func (s *Session) database(ctx context.Context, storeID, appID string) (string, error) {
	if storeID == "" {
		storeID = s.storeID
	}
	if appID == "" {
		appID = s.appID
	}
	db, ok, err := s.deps.Tenants.DatabaseFor(ctx, storeID, appID)
	if err != nil {
		return "", fmt.Errorf("resolving database for store %s: %w", storeID, err)
	}
	if !ok {
		return "", fmt.Errorf("no database mapped for store %s app %s", storeID, appID)
	}
	return db, nil
}

// emit sends one event to the peer unless the session is already closed.
func (s *Session) emit(event string, data any) {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.peer.Emit(event, data); err != nil {
		s.log.WithError(err).WithField("event", event).Warn("emit failed")
	}
}

// Close tears the session down: pending uploads and watches are dropped,
// leftover upload files are removed, presence is retracted, and the peer
// socket is closed. Safe to call more than once and from any goroutine.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}
	for _, w := range s.watches {
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	storeID, appID := s.storeID, s.appID
	dropped := len(s.uploads)
	s.uploads = make(map[bulkload.Key]*bulkload.Accumulator)
	s.pending = make(map[string]*pendingTable)
	s.totals = make(map[string]*seedTotals)
	s.watches = make(map[string]*seedWatch)
	s.fullSyncActive = false
	leftover := make([]string, 0, len(s.savedFiles))
	for path := range s.savedFiles {
		leftover = append(leftover, path)
	}
	s.savedFiles = make(map[string]struct{})
	s.mu.Unlock()

	for _, path := range leftover {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.WithError(err).WithField("file", path).Debug("removing leftover upload")
		}
	}

	if storeID != "" && appID != "" {
		s.deps.Presence.Offline(context.Background(), storeID, appID)
	}
	s.deps.Metrics.SessionClosed(context.Background())
	if s.hub != nil {
		s.hub.remove(s.id)
	}
	if err := s.peer.Close(); err != nil {
		s.log.WithError(err).Debug("closing peer")
	}
	if dropped > 0 {
		s.log.WithField("pending_uploads", dropped).Info("session closed")
	} else {
		s.log.Info("session closed")
	}
}

// uploadDir is the per-tenant corner of the uploads directory.
func (s *Session) uploadDir(database string) string {
	return filepath.Join(s.deps.Config.UploadsDir, database)
}

func (s *Session) upload(key bulkload.Key) (*bulkload.Accumulator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.uploads[key]
	return acc, ok
}

func (s *Session) setUpload(key bulkload.Key, acc *bulkload.Accumulator) {
	s.mu.Lock()
	s.uploads[key] = acc
	s.mu.Unlock()
}

func (s *Session) dropUpload(key bulkload.Key) {
	s.mu.Lock()
	delete(s.uploads, key)
	s.mu.Unlock()
}

func (s *Session) setPending(table string, p *pendingTable) {
	s.mu.Lock()
	s.pending[strings.ToLower(table)] = p
	s.mu.Unlock()
}

func (s *Session) takePending(table string) *pendingTable {
	key := strings.ToLower(table)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[key]
	if !ok {
		return nil
	}
	delete(s.pending, key)
	return p
}

// seedTotalsFor returns the running counters for table, creating them on
// first use. Only the serial handler goroutine mutates the fields.
func (s *Session) seedTotalsFor(table string) *seedTotals {
	key := strings.ToLower(table)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.totals[key]
	if !ok {
		t = &seedTotals{}
		s.totals[key] = t
	}
	return t
}

// finishSeed clears the per-table bootstrap bookkeeping once the last batch
// has landed.
func (s *Session) finishSeed(table string) {
	key := strings.ToLower(table)
	s.mu.Lock()
	delete(s.totals, key)
	if w, ok := s.watches[key]; ok {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(s.watches, key)
	}
	s.fullSyncActive = len(s.watches) > 0
	s.mu.Unlock()
}

func (s *Session) trackFile(path string) {
	s.mu.Lock()
	s.savedFiles[path] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) untrackFile(path string) {
	s.mu.Lock()
	delete(s.savedFiles, path)
	s.mu.Unlock()
}

// armSeedWatch starts (or restarts) the stall timer for a row bootstrap.
func (s *Session) armSeedWatch(table, syncID string, batchSize int) {
	timeout := s.deps.Config.FullSyncTimeout
	key := strings.ToLower(table)
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.fullSyncActive = true
	if timeout <= 0 {
		s.mu.Unlock()
		return
	}
	w, ok := s.watches[key]
	if !ok {
		w = &seedWatch{}
		s.watches[key] = w
	}
	w.syncID = syncID
	w.batchSize = batchSize
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(timeout, func() { s.seedTimedOut(table) })
	s.mu.Unlock()
}

// touchSeedWatch pushes the stall deadline out after a batch arrives.
func (s *Session) touchSeedWatch(table string) {
	timeout := s.deps.Config.FullSyncTimeout
	if timeout <= 0 {
		return
	}
	s.mu.Lock()
	if w, ok := s.watches[strings.ToLower(table)]; ok && w.timer != nil {
		w.timer.Reset(timeout)
	}
	s.mu.Unlock()
}

// seedTimedOut re-requests the bootstrap, giving up after the configured
// attempts.
func (s *Session) seedTimedOut(table string) {
	if s.State() == StateClosed {
		return
	}
	key := strings.ToLower(table)
	s.mu.Lock()
	w, ok := s.watches[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	if w.attempts >= s.deps.Config.FullSyncRetryAttempts {
		delete(s.watches, key)
		s.fullSyncActive = len(s.watches) > 0
		s.mu.Unlock()
		s.log.WithField("table", table).Error("bootstrap abandoned: no data after retries")
		return
	}
	w.attempts++
	attempt := w.attempts
	syncID, batchSize := w.syncID, w.batchSize
	w.timer = time.AfterFunc(s.deps.Config.FullSyncTimeout, func() { s.seedTimedOut(table) })
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"table": table, "attempt": attempt}).Warn("bootstrap stalled, re-requesting")
	s.emit(evRequestFullSync, map[string]any{
		"tableName":      table,
		"originalSyncId": syncID,
		"batchSize":      batchSize,
		"attempt":        attempt,
		"timestamp":      nowStamp(),
	})
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
