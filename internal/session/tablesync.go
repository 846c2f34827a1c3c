package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tillbridge/tillbridge/internal/schema"
)

// verifyRequest asks whether a table exists on the server and how it should
// be seeded. rowCount is the peer's local count; it picks CSV over row
// bootstrap for large tables.
type verifyRequest struct {
	TableName    string `json:"tableName"`
	BatchSize    int    `json:"batchSize"`
	RowCount     int64  `json:"rowCount"`
	BusinessType string `json:"businessType"`
}

func (s *Session) handleVerifyTable(ctx context.Context, data json.RawMessage) bool {
	var req verifyRequest
	if err := json.Unmarshal(data, &req); err != nil || req.TableName == "" {
		s.emit(evVerifyResponse, verifyFailure(req.TableName, "malformed verify_and_sync_table payload"))
		return false
	}

	db, err := s.database(ctx, "", "")
	if err != nil {
		s.emit(evVerifyResponse, verifyFailure(req.TableName, err.Error()))
		return false
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = s.deps.Config.FullSyncBatchSize
	}
	useCSV := req.RowCount >= int64(s.deps.Config.CSVSyncThreshold)

	exists, err := s.deps.Store.TableExists(ctx, db, req.TableName)
	if err != nil {
		s.log.WithError(err).WithField("table", req.TableName).Warn("table verification failed")
		s.emit(evVerifyResponse, verifyFailure(req.TableName, err.Error()))
		return false
	}

	if !exists {
		syncID := uuid.NewString()
		s.setPending(req.TableName, &pendingTable{
			originalSyncID: syncID,
			useCSV:         useCSV,
			batchSize:      batchSize,
			businessType:   req.BusinessType,
		})
		s.emit(evVerifyResponse, map[string]any{
			"tableName":  req.TableName,
			"exists":     false,
			"needsSync":  true,
			"rowCount":   0,
			"useCSVSync": useCSV,
			"timestamp":  nowStamp(),
		})
		s.emit(evRequestSchema, map[string]any{
			"tableName":      req.TableName,
			"originalSyncId": syncID,
			"timestamp":      nowStamp(),
		})
		return true
	}

	count, err := s.deps.Store.RowCount(ctx, db, req.TableName)
	if err != nil {
		s.log.WithError(err).WithField("table", req.TableName).Warn("row count failed")
		s.emit(evVerifyResponse, verifyFailure(req.TableName, err.Error()))
		return false
	}

	needsSync := count == 0
	useCSV = needsSync && useCSV
	s.emit(evVerifyResponse, map[string]any{
		"tableName":  req.TableName,
		"exists":     true,
		"needsSync":  needsSync,
		"rowCount":   count,
		"useCSVSync": useCSV,
		"timestamp":  nowStamp(),
	})
	if needsSync {
		s.startSeeding(req.TableName, useCSV, uuid.NewString(), batchSize)
	}
	return true
}

func verifyFailure(table, msg string) map[string]any {
	return map[string]any{
		"tableName":  table,
		"exists":     false,
		"needsSync":  false,
		"rowCount":   0,
		"useCSVSync": false,
		"error":      msg,
		"timestamp":  nowStamp(),
	}
}

// startSeeding kicks the chosen bootstrap path for an empty table: a CSV
// upload request, or a batched row sync with a stall watch.
func (s *Session) startSeeding(table string, useCSV bool, syncID string, batchSize int) {
	if useCSV {
		s.emit(evCSVSyncRequest, map[string]any{
			"tableName":      table,
			"originalSyncId": syncID,
			"timestamp":      nowStamp(),
		})
		return
	}
	s.armSeedWatch(table, syncID, batchSize)
	s.emit(evRequestFullSync, map[string]any{
		"tableName":      table,
		"originalSyncId": syncID,
		"batchSize":      batchSize,
		"timestamp":      nowStamp(),
	})
}

// createTableRequest materialises a table pushed by the peer, typically on
// the first connect of a new site.
type createTableRequest struct {
	TableName     string             `json:"tableName"`
	Schema        schema.TableSchema `json:"schema"`
	IsInitialSync bool               `json:"isInitialSync"`
	DatabaseType  string             `json:"databaseType"`
}

func (s *Session) handleCreateTable(ctx context.Context, data json.RawMessage) bool {
	var req createTableRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.emit(evTableCreated, tableCreatedFailure("", "malformed create_table_from_schema payload"))
		return false
	}

	db, err := s.database(ctx, "", "")
	if err != nil {
		s.emit(evTableCreated, tableCreatedFailure(req.TableName, err.Error()))
		return false
	}
	if err := s.deps.Schema.CreateTable(ctx, db, req.TableName, req.Schema, req.DatabaseType); err != nil {
		s.log.WithError(err).WithField("table", req.TableName).Warn("create table failed")
		s.emit(evTableCreated, tableCreatedFailure(req.TableName, err.Error()))
		return false
	}

	s.emit(evTableCreated, map[string]any{
		"tableName": req.TableName,
		"success":   true,
		"timestamp": nowStamp(),
	})
	if req.IsInitialSync {
		s.startSeeding(req.TableName, false, uuid.NewString(), s.deps.Config.FullSyncBatchSize)
	}
	return true
}

func tableCreatedFailure(table, msg string) map[string]any {
	return map[string]any{
		"tableName": table,
		"success":   false,
		"error":     msg,
		"timestamp": nowStamp(),
	}
}

// schemaResponse answers an earlier request_table_schema: the peer supplies
// the column descriptor and the server builds the table, then kicks the
// seeding path decided during verification.
type schemaResponse struct {
	TableName      string             `json:"tableName"`
	Schema         schema.TableSchema `json:"schema"`
	OriginalSyncID string             `json:"originalSyncId"`
	DatabaseType   string             `json:"databaseType"`
}

func (s *Session) handleSchemaResponse(ctx context.Context, data json.RawMessage) bool {
	var req schemaResponse
	if err := json.Unmarshal(data, &req); err != nil {
		s.emit(evTableCreated, tableCreatedFailure("", "malformed table_schema_response payload"))
		return false
	}
	pending := s.takePending(req.TableName)

	db, err := s.database(ctx, "", "")
	if err != nil {
		s.emit(evTableCreated, tableCreatedFailure(req.TableName, err.Error()))
		return false
	}

	businessType := req.DatabaseType
	if businessType == "" && pending != nil {
		businessType = pending.businessType
	}
	if err := s.deps.Schema.CreateTable(ctx, db, req.TableName, req.Schema, businessType); err != nil {
		s.log.WithError(err).WithField("table", req.TableName).Warn("create table failed")
		s.emit(evTableCreated, tableCreatedFailure(req.TableName, err.Error()))
		return false
	}
	s.emit(evTableCreated, map[string]any{
		"tableName": req.TableName,
		"success":   true,
		"timestamp": nowStamp(),
	})

	useCSV := false
	batchSize := s.deps.Config.FullSyncBatchSize
	syncID := req.OriginalSyncID
	if pending != nil {
		useCSV = pending.useCSV
		if pending.batchSize > 0 {
			batchSize = pending.batchSize
		}
		if syncID == "" {
			syncID = pending.originalSyncID
		}
	}
	if syncID == "" {
		syncID = uuid.NewString()
	}
	s.startSeeding(req.TableName, useCSV, syncID, batchSize)
	return true
}

// forceSyncRequest wipes the tenant database ahead of a full reseed.
type forceSyncRequest struct {
	Action string `json:"action"`
}

const actionDropAllTables = "drop_all_tables"

func (s *Session) handleForceSync(ctx context.Context, data json.RawMessage) bool {
	var req forceSyncRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Action != actionDropAllTables {
		s.emit(evForceSyncResponse, map[string]any{
			"success":   false,
			"action":    req.Action,
			"error":     fmt.Sprintf("unsupported force sync action %q", req.Action),
			"timestamp": nowStamp(),
		})
		return false
	}

	db, err := s.database(ctx, "", "")
	if err != nil {
		s.emit(evForceSyncResponse, map[string]any{
			"success":   false,
			"action":    req.Action,
			"error":     err.Error(),
			"timestamp": nowStamp(),
		})
		return false
	}

	s.log.WithField("database", db).Warn("force sync: dropping all tables")
	dropped, err := s.deps.Store.DropAllTables(ctx, db)
	if err != nil {
		s.log.WithError(err).Error("force sync failed")
		s.emit(evForceSyncResponse, map[string]any{
			"success":   false,
			"action":    req.Action,
			"error":     err.Error(),
			"timestamp": nowStamp(),
		})
		return false
	}

	s.emit(evForceSyncResponse, map[string]any{
		"success":       true,
		"action":        req.Action,
		"droppedTables": len(dropped),
		"timestamp":     nowStamp(),
	})
	return true
}

// clearTablesRequest drops the named tables, or every table when none are
// named.
type clearTablesRequest struct {
	Tables []string `json:"tables"`
}

func (s *Session) handleClearTables(ctx context.Context, data json.RawMessage) bool {
	var req clearTablesRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.emit(evClearResponse, map[string]any{
			"success":   false,
			"error":     "malformed clear_database_tables payload",
			"timestamp": nowStamp(),
		})
		return false
	}

	db, err := s.database(ctx, "", "")
	if err != nil {
		s.emit(evClearResponse, map[string]any{
			"success":   false,
			"error":     err.Error(),
			"timestamp": nowStamp(),
		})
		return false
	}

	cleared, err := s.deps.Store.ClearTables(ctx, db, req.Tables)
	if err != nil {
		s.log.WithError(err).Error("clearing tables failed")
		s.emit(evClearResponse, map[string]any{
			"success":   false,
			"error":     err.Error(),
			"timestamp": nowStamp(),
		})
		return false
	}

	s.emit(evClearResponse, map[string]any{
		"success":       true,
		"clearedTables": cleared,
		"timestamp":     nowStamp(),
	})
	return true
}
