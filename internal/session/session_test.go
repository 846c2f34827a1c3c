package session

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/bulkload"
	"github.com/tillbridge/tillbridge/internal/config"
	"github.com/tillbridge/tillbridge/internal/rowop"
	"github.com/tillbridge/tillbridge/internal/schema"
	"github.com/tillbridge/tillbridge/internal/tenant"
)

// emitted is one event captured from the session by the fake peer.
type emitted struct {
	event string
	data  map[string]any
}

type fakePeer struct {
	id string

	mu     sync.Mutex
	events []emitted
	closed bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Emit(event string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, _ := data.(map[string]any)
	p.events = append(p.events, emitted{event: event, data: m})
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) emitted() []emitted {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]emitted, len(p.events))
	copy(out, p.events)
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

func (p *fakePeer) count(event string) int {
	n := 0
	for _, e := range p.emitted() {
		if e.event == event {
			n++
		}
	}
	return n
}

// last returns the payload of the most recent emission of event, failing the
// test when none was seen.
func (p *fakePeer) last(t *testing.T, event string) map[string]any {
	t.Helper()
	events := p.emitted()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].event == event {
			return events[i].data
		}
	}
	var names []string
	for _, e := range events {
		names = append(names, e.event)
	}
	t.Fatalf("no %q event emitted; saw %v", event, names)
	return nil
}

type fakeTenants struct {
	mu            sync.Mutex
	stores        map[string]tenant.StoreInfo
	validateErr   error
	validateCalls int
}

func newFakeTenants() *fakeTenants {
	return &fakeTenants{stores: make(map[string]tenant.StoreInfo)}
}

func (f *fakeTenants) add(storeID, appID, name string, expire time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores[storeID+"/"+appID] = tenant.StoreInfo{
		StoreID:       storeID,
		StoreName:     name,
		AppID:         appID,
		LicenseExpire: expire,
	}
}

func (f *fakeTenants) Validate(_ context.Context, storeID, appID string) (tenant.Validation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	if f.validateErr != nil {
		return tenant.Validation{}, f.validateErr
	}
	info, ok := f.stores[storeID+"/"+appID]
	if !ok {
		return tenant.Validation{Expired: true, Reason: "store not found or invalid app"}, nil
	}
	if !info.LicenseExpire.After(time.Now()) {
		return tenant.Validation{Expired: true, Reason: "license expired", Store: &info}, nil
	}
	return tenant.Validation{Valid: true, DaysRemaining: 30, Store: &info}, nil
}

func (f *fakeTenants) DatabaseFor(_ context.Context, storeID, appID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.stores[storeID+"/"+appID]; !ok {
		return "", false, nil
	}
	return appID, true, nil
}

func (f *fakeTenants) HealthCheck(context.Context) error { return nil }
func (f *fakeTenants) Close() error                      { return nil }

func (f *fakeTenants) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateCalls
}

type fakeRows struct {
	mu        sync.Mutex
	applied   []rowop.Op
	bootstrap []rowop.Op
	failTable string
	failErr   error
	skipAll   bool
}

func (f *fakeRows) Apply(_ context.Context, op rowop.Op) (rowop.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTable != "" && strings.EqualFold(op.Table, f.failTable) {
		return rowop.Result{}, f.failErr
	}
	f.applied = append(f.applied, op)
	return rowop.Result{RowsAffected: 1}, nil
}

func (f *fakeRows) ApplyBootstrap(_ context.Context, op rowop.Op) (rowop.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTable != "" && strings.EqualFold(op.Table, f.failTable) {
		return rowop.Result{}, f.failErr
	}
	f.bootstrap = append(f.bootstrap, op)
	if f.skipAll {
		return rowop.Result{Skipped: true}, nil
	}
	return rowop.Result{RowsAffected: 1}, nil
}

func (f *fakeRows) appliedOps() []rowop.Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rowop.Op, len(f.applied))
	copy(out, f.applied)
	return out
}

func (f *fakeRows) bootstrapOps() []rowop.Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rowop.Op, len(f.bootstrap))
	copy(out, f.bootstrap)
	return out
}

type execResult int64

func (r execResult) LastInsertId() (int64, error) { return 0, nil }
func (r execResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeStore struct {
	mu      sync.Mutex
	tables  map[string]int64
	execs   []string
	execErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tables: make(map[string]int64)}
}

func (f *fakeStore) addTable(name string, rows int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[strings.ToLower(name)] = rows
}

func (f *fakeStore) Exec(_ context.Context, _, query string, _ ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.execs = append(f.execs, query)
	return execResult(1), nil
}

func (f *fakeStore) TableExists(_ context.Context, _, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[strings.ToLower(name)]
	return ok, nil
}

func (f *fakeStore) RowCount(_ context.Context, _, table string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[strings.ToLower(table)], nil
}

func (f *fakeStore) ClearTables(_ context.Context, _ string, tables []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(tables) == 0 {
		for name := range f.tables {
			tables = append(tables, name)
		}
		sort.Strings(tables)
	}
	cleared := make([]string, 0, len(tables))
	for _, name := range tables {
		key := strings.ToLower(name)
		if _, ok := f.tables[key]; ok {
			f.tables[key] = 0
			cleared = append(cleared, name)
		}
	}
	return cleared, nil
}

func (f *fakeStore) DropAllTables(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dropped := make([]string, 0, len(f.tables))
	for name := range f.tables {
		dropped = append(dropped, name)
	}
	sort.Strings(dropped)
	f.tables = make(map[string]int64)
	return dropped, nil
}

func (f *fakeStore) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

func (f *fakeStore) lastExec() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.execs) == 0 {
		return ""
	}
	return f.execs[len(f.execs)-1]
}

type createdTable struct {
	database     string
	table        string
	businessType string
	columns      int
}

type fakeSchema struct {
	mu      sync.Mutex
	store   *fakeStore
	created []createdTable
	err     error
}

func (f *fakeSchema) CreateTable(_ context.Context, database, table string, s schema.TableSchema, businessType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, createdTable{
		database:     database,
		table:        table,
		businessType: businessType,
		columns:      len(s.Columns),
	})
	if f.store != nil {
		f.store.addTable(table, 0)
	}
	return nil
}

func (f *fakeSchema) createdTables() []createdTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]createdTable, len(f.created))
	copy(out, f.created)
	return out
}

type csvImport struct {
	database string
	table    string
	path     string
	content  []byte
}

type fakeCSV struct {
	mu      sync.Mutex
	imports []csvImport
	err     error
}

func (f *fakeCSV) ImportCSV(_ context.Context, database, table, filePath string) (*bulkload.ImportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	content, err := readFile(filePath)
	if err != nil {
		return nil, err
	}
	f.imports = append(f.imports, csvImport{database: database, table: table, path: filePath, content: content})
	return &bulkload.ImportResult{Table: table, AffectedRows: 10, SkippedRows: 2, Method: "load_data_local"}, nil
}

func (f *fakeCSV) all() []csvImport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]csvImport, len(f.imports))
	copy(out, f.imports)
	return out
}

type recordingPresence struct {
	mu      sync.Mutex
	online  []string
	offline []string
}

func (p *recordingPresence) Online(_ context.Context, storeID, appID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = append(p.online, storeID+"/"+appID)
}

func (p *recordingPresence) Offline(_ context.Context, storeID, appID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = append(p.offline, storeID+"/"+appID)
}

func (p *recordingPresence) Close() error { return nil }

func (p *recordingPresence) offlineCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.offline))
	copy(out, p.offline)
	return out
}

type fixture struct {
	hub      *Hub
	s        *Session
	peer     *fakePeer
	tenants  *fakeTenants
	rows     *fakeRows
	store    *fakeStore
	schema   *fakeSchema
	csv      *fakeCSV
	presence *recordingPresence
	cfg      *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := &config.Config{
		FullSyncBatchSize:     500,
		FullSyncTimeout:       0,
		FullSyncRetryAttempts: 2,
		CSVSyncThreshold:      5000,
		UploadsDir:            t.TempDir(),
	}

	tenants := newFakeTenants()
	tenants.add("store-1", "app-1", "Main Street", time.Now().Add(365*24*time.Hour))

	st := newFakeStore()
	f := &fixture{
		tenants:  tenants,
		rows:     &fakeRows{},
		store:    st,
		schema:   &fakeSchema{store: st},
		csv:      &fakeCSV{},
		presence: &recordingPresence{},
		cfg:      cfg,
	}
	f.hub = NewHub(Deps{
		Config:   cfg,
		Tenants:  tenants,
		Rows:     f.rows,
		Store:    f.store,
		Schema:   f.schema,
		CSV:      f.csv,
		Presence: f.presence,
		Metrics:  nil,
		Log:      log,
	})
	f.peer = &fakePeer{id: "sock-1"}
	f.s = f.hub.Accept(f.peer)
	t.Cleanup(f.s.Close)
	return f
}

func (f *fixture) handle(t *testing.T, event, data string) {
	t.Helper()
	f.s.HandleEvent(context.Background(), event, json.RawMessage(data))
}

// identify runs the advanced-report handshake for the licensed fixture pair
// and clears the recorded events.
func (f *fixture) identify(t *testing.T) {
	t.Helper()
	f.handle(t, "identify", `{"storeId":"store-1","appId":"app-1","serviceType":"advanced_online_report"}`)
	if got := f.s.State(); got != StateReady {
		t.Fatalf("state after identify = %v, want %v", got, StateReady)
	}
	f.peer.reset()
}

// TestHandleEvent_BeforeIdentification verifies that only identify and ping
// are honoured until the handshake completes.
func TestHandleEvent_BeforeIdentification(t *testing.T) {
	f := newFixture(t)

	f.handle(t, "ping", `{}`)
	if got := f.peer.count("pong"); got != 1 {
		t.Errorf("pong count = %d, want 1", got)
	}

	f.handle(t, "sync_data", `{"tableName":"SalesInvoice","operation":"INSERT","recordData":{},"syncId":"s1"}`)
	data := f.peer.last(t, "identification_error")
	if data["event"] != "sync_data" {
		t.Errorf("identification_error event = %v, want sync_data", data["event"])
	}
	if got := f.peer.count("sync_response"); got != 0 {
		t.Errorf("sync_response count before identify = %d, want 0", got)
	}
	if got := len(f.rows.appliedOps()); got != 0 {
		t.Errorf("applied ops before identify = %d, want 0", got)
	}
	if got := f.s.State(); got != StateNew {
		t.Errorf("state = %v, want %v", got, StateNew)
	}
}

// TestIdentify_Licensed verifies the advanced-report handshake against a
// valid license.
func TestIdentify_Licensed(t *testing.T) {
	f := newFixture(t)

	f.handle(t, "identify", `{"storeId":"store-1","appId":"app-1","serviceType":"advanced_online_report"}`)

	data := f.peer.last(t, "identified")
	if data["storeId"] != "store-1" || data["appId"] != "app-1" {
		t.Errorf("identified carries %v/%v, want store-1/app-1", data["storeId"], data["appId"])
	}
	if data["storeName"] != "Main Street" {
		t.Errorf("storeName = %v, want Main Street", data["storeName"])
	}
	if data["daysRemaining"] != 30 {
		t.Errorf("daysRemaining = %v, want 30", data["daysRemaining"])
	}
	if data["socketId"] != "sock-1" {
		t.Errorf("socketId = %v, want sock-1", data["socketId"])
	}
	if got := f.s.State(); got != StateReady {
		t.Errorf("state = %v, want %v", got, StateReady)
	}
	if got := f.tenants.calls(); got != 1 {
		t.Errorf("license lookups = %d, want 1", got)
	}
}

// TestIdentify_Legacy verifies that other service types bind without a
// license lookup.
func TestIdentify_Legacy(t *testing.T) {
	f := newFixture(t)

	f.handle(t, "identify", `{"storeId":"store-1","appId":"app-1","serviceType":"standard_sync"}`)

	if got := f.peer.count("identified"); got != 1 {
		t.Fatalf("identified count = %d, want 1", got)
	}
	data := f.peer.last(t, "identified")
	if _, ok := data["storeName"]; ok {
		t.Error("legacy identified should not carry storeName")
	}
	if got := f.tenants.calls(); got != 0 {
		t.Errorf("license lookups = %d, want 0", got)
	}
	if got := f.s.State(); got != StateReady {
		t.Errorf("state = %v, want %v", got, StateReady)
	}
}

// TestIdentify_LicenseExpired verifies the expired-license rejection and the
// grace disconnect that follows it.
func TestIdentify_LicenseExpired(t *testing.T) {
	f := newFixture(t)
	f.tenants.add("store-2", "app-2", "Closed Down", time.Now().Add(-24*time.Hour))
	f.s.grace = 5 * time.Millisecond

	f.handle(t, "identify", `{"storeId":"store-2","appId":"app-2","serviceType":"advanced_online_report"}`)

	data := f.peer.last(t, "license_expired")
	if data["code"] != 410 {
		t.Errorf("code = %v, want 410", data["code"])
	}
	if data["error"] != "license expired" {
		t.Errorf("error = %v, want license expired", data["error"])
	}
	if _, ok := data["licenseExpire"]; !ok {
		t.Error("license_expired should carry licenseExpire")
	}
	if got := f.peer.count("identified"); got != 0 {
		t.Errorf("identified count = %d, want 0", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.s.State() != StateClosed && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := f.s.State(); got != StateClosed {
		t.Fatalf("state after grace = %v, want %v", got, StateClosed)
	}
	if !f.peer.isClosed() {
		t.Error("peer not closed after grace")
	}
}

// TestIdentify_UnknownStore verifies the rejection for a pair the directory
// does not know.
func TestIdentify_UnknownStore(t *testing.T) {
	f := newFixture(t)
	f.s.grace = 5 * time.Millisecond

	f.handle(t, "identify", `{"storeId":"nobody","appId":"nothing","serviceType":"advanced_online_report"}`)

	data := f.peer.last(t, "license_error")
	if data["code"] != 400 {
		t.Errorf("code = %v, want 400", data["code"])
	}
	if got := f.peer.count("identified"); got != 0 {
		t.Errorf("identified count = %d, want 0", got)
	}
}

// TestIdentify_DirectoryUnavailable verifies that an infrastructure failure
// reads as license_error, not license_expired.
func TestIdentify_DirectoryUnavailable(t *testing.T) {
	f := newFixture(t)
	f.tenants.validateErr = errors.New("directory timeout")
	f.s.grace = 5 * time.Millisecond

	f.handle(t, "identify", `{"storeId":"store-1","appId":"app-1","serviceType":"advanced_online_report"}`)

	data := f.peer.last(t, "license_error")
	if data["error"] != "license validation unavailable" {
		t.Errorf("error = %v, want license validation unavailable", data["error"])
	}
	if got := f.peer.count("license_expired"); got != 0 {
		t.Errorf("license_expired count = %d, want 0", got)
	}
}

// TestIdentify_MissingFields verifies that a partial identify payload is
// rejected outright.
func TestIdentify_MissingFields(t *testing.T) {
	f := newFixture(t)
	f.s.grace = 5 * time.Millisecond

	f.handle(t, "identify", `{"storeId":"store-1"}`)

	data := f.peer.last(t, "license_error")
	if data["code"] != 400 {
		t.Errorf("code = %v, want 400", data["code"])
	}
}

// TestSyncData verifies one row delta lands exactly once and draws exactly
// one response with the request's syncId.
func TestSyncData(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	f.handle(t, "sync_data", `{
		"tableName": "SalesInvoice",
		"operation": "INSERT",
		"recordData": {"InvoiceId": 7, "Total": "12.50"},
		"syncId": "sync-42",
		"businessType": "restaurant"
	}`)

	ops := f.rows.appliedOps()
	if len(ops) != 1 {
		t.Fatalf("applied ops = %d, want 1", len(ops))
	}
	op := ops[0]
	if op.Database != "app-1" {
		t.Errorf("database = %q, want app-1", op.Database)
	}
	if op.Table != "SalesInvoice" || op.Operation != "INSERT" {
		t.Errorf("op = %s on %s, want INSERT on SalesInvoice", op.Operation, op.Table)
	}
	if op.Record.Len() != 2 {
		t.Errorf("record columns = %d, want 2", op.Record.Len())
	}

	if got := f.peer.count("sync_response"); got != 1 {
		t.Fatalf("sync_response count = %d, want 1", got)
	}
	data := f.peer.last(t, "sync_response")
	if data["syncId"] != "sync-42" {
		t.Errorf("syncId = %v, want sync-42", data["syncId"])
	}
	if data["success"] != true {
		t.Errorf("success = %v, want true", data["success"])
	}
}

// TestSyncData_Failure verifies a rejected operation still draws exactly one
// response, carrying the error.
func TestSyncData_Failure(t *testing.T) {
	f := newFixture(t)
	f.identify(t)
	f.rows.failTable = "SalesInvoice"
	f.rows.failErr = errors.New("missing primary key column")

	f.handle(t, "sync_data", `{
		"tableName": "SalesInvoice",
		"operation": "UPDATE",
		"recordData": {"Total": "9.99"},
		"syncId": "sync-43"
	}`)

	if got := f.peer.count("sync_response"); got != 1 {
		t.Fatalf("sync_response count = %d, want 1", got)
	}
	data := f.peer.last(t, "sync_response")
	if data["success"] != false {
		t.Errorf("success = %v, want false", data["success"])
	}
	if data["syncId"] != "sync-43" {
		t.Errorf("syncId = %v, want sync-43", data["syncId"])
	}
	if msg, _ := data["error"].(string); !strings.Contains(msg, "missing primary key") {
		t.Errorf("error = %q, want it to mention the key failure", msg)
	}
}

// TestBatchSync_ContinuesPastFailures verifies a failed item does not stop
// the rest of the batch and every item gets a result.
func TestBatchSync_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	f.identify(t)
	f.rows.failTable = "Broken"
	f.rows.failErr = errors.New("no such table")

	f.handle(t, "batch_sync", `[
		{"tableName":"SalesInvoice","operation":"INSERT","recordData":{"Id":1},"syncId":"b1"},
		{"tableName":"Broken","operation":"INSERT","recordData":{"Id":2},"syncId":"b2"},
		{"tableName":"SalesInvoice","operation":"INSERT","recordData":{"Id":3},"syncId":"b3"}
	]`)

	data := f.peer.last(t, "batch_sync_response")
	if data["processed"] != 3 {
		t.Errorf("processed = %v, want 3", data["processed"])
	}
	if data["failed"] != 1 {
		t.Errorf("failed = %v, want 1", data["failed"])
	}
	if data["success"] != false {
		t.Errorf("success = %v, want false", data["success"])
	}

	results, ok := data["results"].([]map[string]any)
	if !ok {
		t.Fatalf("results has type %T, want []map[string]any", data["results"])
	}
	if len(results) != 3 {
		t.Fatalf("results = %d entries, want 3", len(results))
	}
	if results[0]["success"] != true || results[2]["success"] != true {
		t.Error("surviving items should report success")
	}
	if results[1]["success"] != false || results[1]["syncId"] != "b2" {
		t.Errorf("failed item = %v, want success=false syncId=b2", results[1])
	}
	if got := len(f.rows.appliedOps()); got != 2 {
		t.Errorf("applied ops = %d, want 2", got)
	}
}

// TestDDL_Applied verifies a translated command reaches the store and draws
// ddl_sync_success.
func TestDDL_Applied(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	f.handle(t, "sync_ddl_operation", `{
		"tableName": "SalesInvoice",
		"operation": "DDL_ALTER_TABLE",
		"sqlCommand": "ALTER TABLE [dbo].[SalesInvoice] ADD [Notes] NVARCHAR(50) NULL",
		"syncId": "ddl-1"
	}`)

	if got := f.store.execCount(); got != 1 {
		t.Fatalf("exec count = %d, want 1", got)
	}
	stmt := f.store.lastExec()
	if strings.Contains(stmt, "[dbo]") || strings.Contains(stmt, "NVARCHAR") {
		t.Errorf("statement not translated: %q", stmt)
	}
	if !strings.Contains(stmt, "ADD COLUMN `Notes` VARCHAR(50)") {
		t.Errorf("statement = %q, want an ADD COLUMN VARCHAR(50) clause", stmt)
	}

	data := f.peer.last(t, "ddl_sync_success")
	if data["syncId"] != "ddl-1" || data["skipped"] != false {
		t.Errorf("ddl_sync_success = %v, want syncId=ddl-1 skipped=false", data)
	}
}

// TestDDL_Skipped verifies commands with no target counterpart are
// acknowledged without touching the store.
func TestDDL_Skipped(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	f.handle(t, "sync_ddl_operation", `{
		"tableName": "SalesInvoice",
		"operation": "DDL_ALTER_TABLE",
		"sqlCommand": "ALTER TABLE [dbo].[SalesInvoice] SET (LOCK_ESCALATION = TABLE)",
		"syncId": "ddl-2"
	}`)

	if got := f.store.execCount(); got != 0 {
		t.Errorf("exec count = %d, want 0", got)
	}
	data := f.peer.last(t, "ddl_sync_success")
	if data["skipped"] != true {
		t.Errorf("skipped = %v, want true", data["skipped"])
	}
}

// TestDDL_UnsupportedOperation verifies unknown operation tags draw
// ddl_sync_error.
func TestDDL_UnsupportedOperation(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	f.handle(t, "sync_ddl_operation", `{
		"tableName": "SalesInvoice",
		"operation": "DDL_TRUNCATE",
		"sqlCommand": "TRUNCATE TABLE SalesInvoice",
		"syncId": "ddl-3"
	}`)

	data := f.peer.last(t, "ddl_sync_error")
	if data["syncId"] != "ddl-3" {
		t.Errorf("syncId = %v, want ddl-3", data["syncId"])
	}
	if got := f.store.execCount(); got != 0 {
		t.Errorf("exec count = %d, want 0", got)
	}
}

// TestDDL_ExecFailure verifies a store rejection surfaces as ddl_sync_error.
func TestDDL_ExecFailure(t *testing.T) {
	f := newFixture(t)
	f.identify(t)
	f.store.execErr = errors.New("table is locked")

	f.handle(t, "sync_ddl_operation", `{
		"tableName": "SalesInvoice",
		"operation": "DDL_DROP_TABLE",
		"sqlCommand": "DROP TABLE [dbo].[SalesInvoice]",
		"syncId": "ddl-4"
	}`)

	data := f.peer.last(t, "ddl_sync_error")
	if msg, _ := data["error"].(string); !strings.Contains(msg, "locked") {
		t.Errorf("error = %q, want the store failure", msg)
	}
}

// TestVerifyTable_Missing verifies a missing table requests the schema and
// remembers how to seed once it arrives.
func TestVerifyTable_Missing(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	f.handle(t, "verify_and_sync_table", `{"tableName":"ItemMaster","batchSize":250,"rowCount":100,"businessType":"retail"}`)

	verify := f.peer.last(t, "verify_and_sync_response")
	if verify["exists"] != false || verify["needsSync"] != true {
		t.Errorf("verify = %v, want exists=false needsSync=true", verify)
	}
	if verify["useCSVSync"] != false {
		t.Errorf("useCSVSync = %v, want false for 100 rows", verify["useCSVSync"])
	}

	reqSchema := f.peer.last(t, "request_table_schema")
	if reqSchema["tableName"] != "ItemMaster" {
		t.Errorf("request_table_schema tableName = %v, want ItemMaster", reqSchema["tableName"])
	}
	syncID, _ := reqSchema["originalSyncId"].(string)
	if syncID == "" {
		t.Fatal("request_table_schema should carry originalSyncId")
	}

	f.peer.reset()
	f.handle(t, "table_schema_response", `{
		"tableName": "ItemMaster",
		"originalSyncId": "`+syncID+`",
		"schema": {
			"columns": [
				{"COLUMN_NAME": "ItemCode", "DATA_TYPE": "nvarchar", "CHARACTER_MAXIMUM_LENGTH": 30, "IS_NULLABLE": "NO", "COLUMN_KEY": "PRI"},
				{"COLUMN_NAME": "Name", "DATA_TYPE": "nvarchar", "CHARACTER_MAXIMUM_LENGTH": 200, "IS_NULLABLE": "YES"}
			],
			"primaryKeys": ["ItemCode"]
		}
	}`)

	created := f.schema.createdTables()
	if len(created) != 1 {
		t.Fatalf("created tables = %d, want 1", len(created))
	}
	if created[0].table != "ItemMaster" || created[0].columns != 2 {
		t.Errorf("created = %+v, want ItemMaster with 2 columns", created[0])
	}
	if created[0].businessType != "retail" {
		t.Errorf("businessType = %q, want the one remembered from verify", created[0].businessType)
	}

	if got := f.peer.count("table_created"); got != 1 {
		t.Errorf("table_created count = %d, want 1", got)
	}
	seed := f.peer.last(t, "request_full_data_sync")
	if seed["tableName"] != "ItemMaster" {
		t.Errorf("seed tableName = %v, want ItemMaster", seed["tableName"])
	}
	if seed["originalSyncId"] != syncID {
		t.Errorf("seed originalSyncId = %v, want %v", seed["originalSyncId"], syncID)
	}
	if seed["batchSize"] != 250 {
		t.Errorf("seed batchSize = %v, want the 250 from verify", seed["batchSize"])
	}
}

// TestVerifyTable_CSVPath verifies large missing tables are seeded over the
// CSV path after their schema lands.
func TestVerifyTable_CSVPath(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	f.handle(t, "verify_and_sync_table", `{"tableName":"StockLedger","rowCount":80000}`)

	verify := f.peer.last(t, "verify_and_sync_response")
	if verify["useCSVSync"] != true {
		t.Errorf("useCSVSync = %v, want true for 80000 rows", verify["useCSVSync"])
	}

	f.peer.reset()
	f.handle(t, "table_schema_response", `{
		"tableName": "StockLedger",
		"schema": {"columns": [{"COLUMN_NAME": "StockId", "DATA_TYPE": "nvarchar", "COLUMN_KEY": "PRI"}]}
	}`)

	if got := f.peer.count("csv_bulk_sync_request"); got != 1 {
		t.Fatalf("csv_bulk_sync_request count = %d, want 1", got)
	}
	if got := f.peer.count("request_full_data_sync"); got != 0 {
		t.Errorf("request_full_data_sync count = %d, want 0 on the CSV path", got)
	}
}

// TestVerifyTable_ExistingEmpty verifies an existing empty table goes
// straight to seeding without a schema round-trip.
func TestVerifyTable_ExistingEmpty(t *testing.T) {
	f := newFixture(t)
	f.identify(t)
	f.store.addTable("SalesInvoice", 0)

	f.handle(t, "verify_and_sync_table", `{"tableName":"SalesInvoice","rowCount":40}`)

	verify := f.peer.last(t, "verify_and_sync_response")
	if verify["exists"] != true || verify["needsSync"] != true {
		t.Errorf("verify = %v, want exists=true needsSync=true", verify)
	}
	if got := f.peer.count("request_table_schema"); got != 0 {
		t.Errorf("request_table_schema count = %d, want 0", got)
	}
	if got := f.peer.count("request_full_data_sync"); got != 1 {
		t.Errorf("request_full_data_sync count = %d, want 1", got)
	}
}

// TestVerifyTable_Populated verifies a populated table needs nothing.
func TestVerifyTable_Populated(t *testing.T) {
	f := newFixture(t)
	f.identify(t)
	f.store.addTable("SalesInvoice", 88)

	f.handle(t, "verify_and_sync_table", `{"tableName":"SalesInvoice","rowCount":90}`)

	verify := f.peer.last(t, "verify_and_sync_response")
	if verify["needsSync"] != false {
		t.Errorf("needsSync = %v, want false", verify["needsSync"])
	}
	if verify["rowCount"] != int64(88) {
		t.Errorf("rowCount = %v, want 88", verify["rowCount"])
	}
	if got := f.peer.count("request_full_data_sync"); got != 0 {
		t.Errorf("request_full_data_sync count = %d, want 0", got)
	}
}

// TestCreateTable verifies the peer-initiated create path, including the
// initial-sync seeding kick.
func TestCreateTable(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	f.handle(t, "create_table_from_schema", `{
		"tableName": "Department",
		"isInitialSync": true,
		"databaseType": "restaurant",
		"schema": {"columns": [{"COLUMN_NAME": "DeptId", "DATA_TYPE": "int", "COLUMN_KEY": "PRI"}]}
	}`)

	created := f.schema.createdTables()
	if len(created) != 1 || created[0].table != "Department" {
		t.Fatalf("created = %+v, want one Department", created)
	}
	if created[0].businessType != "restaurant" {
		t.Errorf("businessType = %q, want restaurant", created[0].businessType)
	}
	data := f.peer.last(t, "table_created")
	if data["success"] != true {
		t.Errorf("success = %v, want true", data["success"])
	}
	if got := f.peer.count("request_full_data_sync"); got != 1 {
		t.Errorf("request_full_data_sync count = %d, want 1 after initial-sync create", got)
	}
}

// TestCreateTable_Failure verifies a materialisation error draws a failed
// table_created.
func TestCreateTable_Failure(t *testing.T) {
	f := newFixture(t)
	f.identify(t)
	f.schema.err = errors.New("invalid identifier")

	f.handle(t, "create_table_from_schema", `{
		"tableName": "bad name",
		"schema": {"columns": [{"COLUMN_NAME": "Id", "DATA_TYPE": "int"}]}
	}`)

	data := f.peer.last(t, "table_created")
	if data["success"] != false {
		t.Errorf("success = %v, want false", data["success"])
	}
	if got := f.peer.count("request_full_data_sync"); got != 0 {
		t.Errorf("request_full_data_sync count = %d, want 0 after failure", got)
	}
}

// TestSeedBatches verifies progress per batch, the completion totals, and the
// duplicate-skip accounting across a two-batch bootstrap.
func TestSeedBatches(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	f.handle(t, "full_data_sync_response", `{
		"tableName": "ItemMaster",
		"data": [{"ItemCode": "001"}, {"ItemCode": "002"}],
		"currentBatch": 1,
		"totalBatches": 2,
		"totalRows": 3,
		"isLastBatch": false,
		"originalSyncId": "seed-1"
	}`)

	progress := f.peer.last(t, "full_data_sync_progress")
	if progress["currentBatch"] != 1 || progress["inserted"] != int64(2) {
		t.Errorf("progress = %v, want currentBatch=1 inserted=2", progress)
	}
	if got := f.peer.count("full_data_sync_complete"); got != 0 {
		t.Errorf("complete count after first batch = %d, want 0", got)
	}

	f.rows.skipAll = true
	f.handle(t, "full_data_sync_response", `{
		"tableName": "ItemMaster",
		"data": [{"ItemCode": "001"}],
		"currentBatch": 2,
		"totalBatches": 2,
		"totalRows": 3,
		"isLastBatch": true,
		"originalSyncId": "seed-1"
	}`)

	complete := f.peer.last(t, "full_data_sync_complete")
	if complete["inserted"] != int64(2) {
		t.Errorf("total inserted = %v, want 2", complete["inserted"])
	}
	if complete["skipped"] != int64(1) {
		t.Errorf("total skipped = %v, want 1", complete["skipped"])
	}
	if complete["originalSyncId"] != "seed-1" {
		t.Errorf("originalSyncId = %v, want seed-1", complete["originalSyncId"])
	}

	ops := f.rows.bootstrapOps()
	if len(ops) != 3 {
		t.Fatalf("bootstrap ops = %d, want 3", len(ops))
	}
	for _, op := range ops {
		if op.Operation != rowop.OpInsert {
			t.Errorf("bootstrap op = %s, want INSERT", op.Operation)
		}
	}
}

// TestSeedWatch_StallRetry verifies a stalled bootstrap is re-requested and
// then abandoned after the configured attempts.
func TestSeedWatch_StallRetry(t *testing.T) {
	f := newFixture(t)
	f.cfg.FullSyncTimeout = 25 * time.Millisecond
	f.cfg.FullSyncRetryAttempts = 1
	f.identify(t)
	f.store.addTable("SalesInvoice", 0)

	f.handle(t, "verify_and_sync_table", `{"tableName":"SalesInvoice","rowCount":10}`)
	if got := f.peer.count("request_full_data_sync"); got != 1 {
		t.Fatalf("initial request_full_data_sync count = %d, want 1", got)
	}
	if !f.s.FullSyncActive() {
		t.Fatal("full sync should be active after the seeding kick")
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.peer.count("request_full_data_sync") < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.peer.count("request_full_data_sync"); got != 2 {
		t.Fatalf("request_full_data_sync count after stall = %d, want 2", got)
	}
	rerequest := f.peer.last(t, "request_full_data_sync")
	if rerequest["attempt"] != 1 {
		t.Errorf("attempt = %v, want 1", rerequest["attempt"])
	}

	deadline = time.Now().Add(2 * time.Second)
	for f.s.FullSyncActive() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.s.FullSyncActive() {
		t.Error("full sync still active after retries exhausted")
	}
	if got := f.peer.count("request_full_data_sync"); got != 2 {
		t.Errorf("request_full_data_sync count after abandon = %d, want 2", got)
	}
}

// TestSeedWatch_ClearedByCompletion verifies a finished bootstrap stops the
// stall watch.
func TestSeedWatch_ClearedByCompletion(t *testing.T) {
	f := newFixture(t)
	f.cfg.FullSyncTimeout = time.Hour
	f.identify(t)
	f.store.addTable("SalesInvoice", 0)

	f.handle(t, "verify_and_sync_table", `{"tableName":"SalesInvoice","rowCount":10}`)
	if !f.s.FullSyncActive() {
		t.Fatal("full sync should be active")
	}

	f.handle(t, "full_data_sync_response", `{
		"tableName": "SalesInvoice",
		"data": [{"InvoiceId": 1}],
		"currentBatch": 1,
		"totalBatches": 1,
		"isLastBatch": true
	}`)

	if f.s.FullSyncActive() {
		t.Error("full sync still active after the last batch")
	}
}

// TestCSVUpload_SingleShot verifies the one-event upload path end to end.
func TestCSVUpload_SingleShot(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	content := "ItemCode,Name\n001,Apples\n002,Pears\n"
	encoded := base64Encode(content)
	f.handle(t, "csv_bulk_upload", `{
		"tableName": "ItemMaster",
		"fileName": "ItemMaster.csv",
		"fileContent": "`+encoded+`",
		"fileSizeBytes": `+itoa(len(content))+`,
		"rowCount": 2
	}`)

	imports := f.csv.all()
	if len(imports) != 1 {
		t.Fatalf("imports = %d, want 1", len(imports))
	}
	if imports[0].database != "app-1" || imports[0].table != "ItemMaster" {
		t.Errorf("import target = %s.%s, want app-1.ItemMaster", imports[0].database, imports[0].table)
	}
	if string(imports[0].content) != content {
		t.Errorf("imported bytes differ from upload:\n%q\n%q", imports[0].content, content)
	}

	resp := f.peer.last(t, "csv_bulk_upload_response")
	if resp["success"] != true {
		t.Errorf("success = %v, want true", resp["success"])
	}
	if resp["importedRows"] != int64(10) || resp["skippedRows"] != int64(2) {
		t.Errorf("rows = %v/%v, want 10/2", resp["importedRows"], resp["skippedRows"])
	}
	complete := f.peer.last(t, "csv_file_import_complete")
	if complete["tableName"] != "ItemMaster" {
		t.Errorf("complete tableName = %v, want ItemMaster", complete["tableName"])
	}
}

// TestCSVUpload_ChunkedOutOfOrder verifies chunks landing in any order
// reassemble byte for byte before the import runs.
func TestCSVUpload_ChunkedOutOfOrder(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	parts := []string{"ItemCode,Name\n", "001,Apples\n", "002,Pears\n"}
	whole := strings.Join(parts, "")

	f.handle(t, "csv_bulk_upload_start", `{
		"tableName": "ItemMaster",
		"fileName": "items.csv",
		"totalChunks": 3,
		"fileSizeBytes": `+itoa(len(whole))+`,
		"rowCount": 2
	}`)

	for _, idx := range []int{2, 0, 1} {
		last := "false"
		if idx == 2 {
			last = "true"
		}
		f.handle(t, "csv_bulk_upload_chunk", `{
			"tableName": "ItemMaster",
			"fileName": "items.csv",
			"chunkIndex": `+itoa(idx)+`,
			"totalChunks": 3,
			"chunkContent": "`+base64Encode(parts[idx])+`",
			"isLastChunk": `+last+`
		}`)
	}

	imports := f.csv.all()
	if len(imports) != 1 {
		t.Fatalf("imports = %d, want 1", len(imports))
	}
	if string(imports[0].content) != whole {
		t.Errorf("assembled bytes = %q, want %q", imports[0].content, whole)
	}
	if got := f.peer.count("csv_bulk_upload_response"); got != 1 {
		t.Errorf("csv_bulk_upload_response count = %d, want 1", got)
	}
}

// TestCSVUploadChunk_WithoutStart verifies a lost start event does not sink
// the upload when chunks declare the total.
func TestCSVUploadChunk_WithoutStart(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	content := "StockId,Qty\n0001,5\n"
	f.handle(t, "csv_bulk_upload_chunk", `{
		"tableName": "StockLedger",
		"fileName": "stock.csv",
		"chunkIndex": 0,
		"totalChunks": 1,
		"chunkContent": "`+base64Encode(content)+`",
		"isLastChunk": true
	}`)

	imports := f.csv.all()
	if len(imports) != 1 {
		t.Fatalf("imports = %d, want 1", len(imports))
	}
	if imports[0].table != "StockLedger" {
		t.Errorf("table = %q, want StockLedger", imports[0].table)
	}
}

// TestCSVUploadChunk_BadIndex verifies an out-of-range index aborts the
// upload.
func TestCSVUploadChunk_BadIndex(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	f.handle(t, "csv_bulk_upload_start", `{"tableName":"ItemMaster","fileName":"items.csv","totalChunks":2}`)
	f.handle(t, "csv_bulk_upload_chunk", `{
		"fileName": "items.csv",
		"chunkIndex": 5,
		"totalChunks": 2,
		"chunkContent": "`+base64Encode("x")+`"
	}`)

	resp := f.peer.last(t, "csv_bulk_upload_response")
	if resp["success"] != false {
		t.Errorf("success = %v, want false", resp["success"])
	}
	if got := len(f.csv.all()); got != 0 {
		t.Errorf("imports = %d, want 0", got)
	}

	// The aborted upload is gone; a fresh start must be accepted.
	f.handle(t, "csv_bulk_upload_start", `{"tableName":"ItemMaster","fileName":"items.csv","totalChunks":1}`)
	f.handle(t, "csv_bulk_upload_chunk", `{
		"fileName": "items.csv",
		"chunkIndex": 0,
		"totalChunks": 1,
		"chunkContent": "`+base64Encode("ItemCode\n001\n")+`"
	}`)
	if got := len(f.csv.all()); got != 1 {
		t.Errorf("imports after restart = %d, want 1", got)
	}
}

// TestCSVUpload_ImportFailure verifies the file is kept for the session and
// the failure is reported.
func TestCSVUpload_ImportFailure(t *testing.T) {
	f := newFixture(t)
	f.identify(t)
	f.csv.err = errors.New("secure_file_priv forbids loading")

	f.handle(t, "csv_bulk_upload", `{
		"tableName": "ItemMaster",
		"fileName": "items.csv",
		"fileContent": "`+base64Encode("ItemCode\n001\n")+`"
	}`)

	resp := f.peer.last(t, "csv_bulk_upload_response")
	if resp["success"] != false {
		t.Errorf("success = %v, want false", resp["success"])
	}
	if got := f.peer.count("csv_file_import_complete"); got != 0 {
		t.Errorf("csv_file_import_complete count = %d, want 0", got)
	}

	f.s.mu.Lock()
	kept := len(f.s.savedFiles)
	f.s.mu.Unlock()
	if kept != 1 {
		t.Errorf("saved files tracked = %d, want 1 until the session closes", kept)
	}
}

// TestForceSync verifies the drop-everything action and the rejection of
// anything else.
func TestForceSync(t *testing.T) {
	f := newFixture(t)
	f.identify(t)
	f.store.addTable("SalesInvoice", 10)
	f.store.addTable("ItemMaster", 20)

	f.handle(t, "force_sync_request", `{"action":"drop_all_tables"}`)
	data := f.peer.last(t, "force_sync_response")
	if data["success"] != true {
		t.Errorf("success = %v, want true", data["success"])
	}
	if data["droppedTables"] != 2 {
		t.Errorf("droppedTables = %v, want 2", data["droppedTables"])
	}
	if exists, _ := f.store.TableExists(context.Background(), "app-1", "SalesInvoice"); exists {
		t.Error("SalesInvoice still exists after force sync")
	}

	f.peer.reset()
	f.handle(t, "force_sync_request", `{"action":"reboot"}`)
	data = f.peer.last(t, "force_sync_response")
	if data["success"] != false {
		t.Errorf("success = %v, want false for unknown action", data["success"])
	}
}

// TestClearTables verifies the named-tables clear.
func TestClearTables(t *testing.T) {
	f := newFixture(t)
	f.identify(t)
	f.store.addTable("SalesInvoice", 10)
	f.store.addTable("ItemMaster", 20)

	f.handle(t, "clear_database_tables", `{"tables":["SalesInvoice"]}`)

	data := f.peer.last(t, "clear_database_response")
	if data["success"] != true {
		t.Errorf("success = %v, want true", data["success"])
	}
	cleared, _ := data["clearedTables"].([]string)
	if len(cleared) != 1 || cleared[0] != "SalesInvoice" {
		t.Errorf("clearedTables = %v, want [SalesInvoice]", data["clearedTables"])
	}
	if n, _ := f.store.RowCount(context.Background(), "app-1", "ItemMaster"); n != 20 {
		t.Errorf("ItemMaster rows = %d, want untouched 20", n)
	}
}

// TestClose_CleansUp verifies disconnect drops per-session state, removes
// leftover upload files, retracts presence, and unregisters from the hub.
func TestClose_CleansUp(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	// An unfinished chunked upload and a saved file that never imported.
	f.handle(t, "csv_bulk_upload_start", `{"tableName":"ItemMaster","fileName":"items.csv","totalChunks":5}`)
	f.csv.err = errors.New("import offline")
	f.handle(t, "csv_bulk_upload", `{
		"tableName": "ItemMaster",
		"fileName": "orphan.csv",
		"fileContent": "`+base64Encode("ItemCode\n001\n")+`"
	}`)

	f.s.mu.Lock()
	var orphan string
	for path := range f.s.savedFiles {
		orphan = path
	}
	f.s.mu.Unlock()
	if orphan == "" {
		t.Fatal("expected a tracked upload file")
	}
	if got := f.hub.Len(); got != 1 {
		t.Fatalf("hub len = %d, want 1", got)
	}

	f.s.Close()

	if got := f.s.State(); got != StateClosed {
		t.Errorf("state = %v, want %v", got, StateClosed)
	}
	if got := f.hub.Len(); got != 0 {
		t.Errorf("hub len = %d, want 0", got)
	}
	if !f.peer.isClosed() {
		t.Error("peer not closed")
	}
	if fileExists(orphan) {
		t.Errorf("leftover upload %s still on disk", orphan)
	}
	offline := f.presence.offlineCalls()
	if len(offline) != 1 || offline[0] != "store-1/app-1" {
		t.Errorf("offline calls = %v, want [store-1/app-1]", offline)
	}

	// Close again: must be a no-op.
	f.s.Close()
	if got := len(f.presence.offlineCalls()); got != 1 {
		t.Errorf("offline calls after double close = %d, want 1", got)
	}

	// Events after close are dropped silently.
	f.handle(t, "ping", `{}`)
	if got := f.peer.count("pong"); got != 1 {
		t.Errorf("pong count after close = %d, want the 1 from before", got)
	}
}

// TestHub_Broadcast verifies broadcast reaches only identified sessions.
func TestHub_Broadcast(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	other := &fakePeer{id: "sock-2"}
	s2 := f.hub.Accept(other)
	t.Cleanup(s2.Close)

	f.hub.Broadcast("maintenance_notice", map[string]any{"message": "upgrading"})

	if got := f.peer.count("maintenance_notice"); got != 1 {
		t.Errorf("identified peer notices = %d, want 1", got)
	}
	if got := other.count("maintenance_notice"); got != 0 {
		t.Errorf("unidentified peer notices = %d, want 0", got)
	}

	f.hub.CloseAll()
	if got := f.hub.Len(); got != 0 {
		t.Errorf("hub len after CloseAll = %d, want 0", got)
	}
	if !other.isClosed() {
		t.Error("second peer not closed by CloseAll")
	}
}

func base64Encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func itoa(n int) string { return strconv.Itoa(n) }

func readFile(path string) ([]byte, error) { return os.ReadFile(path) }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
