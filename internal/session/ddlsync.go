package session

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/ddl"
)

// ddlRequest is one schema-change command from the peer.
type ddlRequest struct {
	StoreID    string `json:"storeId"`
	AppID      string `json:"appId"`
	TableName  string `json:"tableName"`
	Operation  string `json:"operation"`
	SQLCommand string `json:"sqlCommand"`
	SyncID     string `json:"syncId"`
}

// handleDDL translates and executes one schema-change command. Commands with
// no target-side counterpart are acknowledged as skipped without touching the
// store.
func (s *Session) handleDDL(ctx context.Context, data json.RawMessage) bool {
	var req ddlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.emit(evDDLError, ddlFailure("", "", "malformed sync_ddl_operation payload"))
		return false
	}

	log := s.log.WithFields(logrus.Fields{"table": req.TableName, "sync_id": req.SyncID})

	translated, skip, err := ddl.Translate(req.Operation, req.TableName, req.SQLCommand)
	if err != nil {
		log.WithError(err).WithField("command", req.SQLCommand).Warn("DDL translation failed")
		s.deps.Metrics.DDL(ctx, "failed")
		s.emit(evDDLError, ddlFailure(req.SyncID, req.TableName, err.Error()))
		return false
	}
	if skip {
		log.WithField("command", req.SQLCommand).Debug("DDL has no target counterpart, skipping")
		s.deps.Metrics.DDL(ctx, "skipped")
		s.emit(evDDLSuccess, map[string]any{
			"syncId":    req.SyncID,
			"tableName": req.TableName,
			"skipped":   true,
			"timestamp": nowStamp(),
		})
		return true
	}

	db, err := s.database(ctx, req.StoreID, req.AppID)
	if err != nil {
		s.deps.Metrics.DDL(ctx, "failed")
		s.emit(evDDLError, ddlFailure(req.SyncID, req.TableName, err.Error()))
		return false
	}
	if _, err := s.deps.Store.Exec(ctx, db, translated); err != nil {
		log.WithError(err).WithField("statement", translated).Warn("DDL execution failed")
		s.deps.Metrics.DDL(ctx, "failed")
		s.emit(evDDLError, ddlFailure(req.SyncID, req.TableName, err.Error()))
		return false
	}

	log.Info("DDL applied")
	s.deps.Metrics.DDL(ctx, "applied")
	s.emit(evDDLSuccess, map[string]any{
		"syncId":    req.SyncID,
		"tableName": req.TableName,
		"skipped":   false,
		"timestamp": nowStamp(),
	})
	return true
}

func ddlFailure(syncID, table, msg string) map[string]any {
	return map[string]any{
		"syncId":    syncID,
		"tableName": table,
		"error":     msg,
		"timestamp": nowStamp(),
	}
}
