package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/payload"
	"github.com/tillbridge/tillbridge/internal/rowop"
)

// syncDataRequest is one incremental row delta. The tenant fields are
// optional; when absent the session's own identity routes the op.
type syncDataRequest struct {
	StoreID      string          `json:"storeId"`
	AppID        string          `json:"appId"`
	TableName    string          `json:"tableName"`
	Operation    string          `json:"operation"`
	RecordData   json.RawMessage `json:"recordData"`
	Timestamp    string          `json:"timestamp"`
	SyncID       string          `json:"syncId"`
	BusinessType string          `json:"businessType"`
}

// handleSyncData applies one row delta and answers with exactly one
// sync_response carrying the request's syncId.
func (s *Session) handleSyncData(ctx context.Context, data json.RawMessage) bool {
	var req syncDataRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.emit(evSyncResponse, syncFailure("", "malformed sync_data payload"))
		return false
	}

	res, err := s.applyRow(ctx, req, false)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"table":   req.TableName,
			"op":      req.Operation,
			"sync_id": req.SyncID,
		}).Warn("row operation rejected")
		s.emit(evSyncResponse, syncFailure(req.SyncID, err.Error()))
		return false
	}

	s.emit(evSyncResponse, map[string]any{
		"syncId":  req.SyncID,
		"success": true,
		"result": map[string]any{
			"tableName":    req.TableName,
			"operation":    req.Operation,
			"rowsAffected": res.RowsAffected,
		},
		"timestamp": nowStamp(),
	})
	return true
}

func syncFailure(syncID, msg string) map[string]any {
	return map[string]any{
		"syncId":    syncID,
		"success":   false,
		"error":     msg,
		"timestamp": nowStamp(),
	}
}

// applyRow decodes and executes one row operation on the incremental or the
// bootstrap path.
func (s *Session) applyRow(ctx context.Context, req syncDataRequest, bootstrap bool) (rowop.Result, error) {
	db, err := s.database(ctx, req.StoreID, req.AppID)
	if err != nil {
		return rowop.Result{}, err
	}
	rec, err := payload.DecodeRaw(req.RecordData)
	if err != nil {
		return rowop.Result{}, err
	}
	op := rowop.Op{
		Database:  db,
		Table:     req.TableName,
		Operation: req.Operation,
		Business:  rowop.ParseBusinessType(req.BusinessType),
		Record:    rec,
	}

	start := time.Now()
	var res rowop.Result
	if bootstrap {
		res, err = s.deps.Rows.ApplyBootstrap(ctx, op)
	} else {
		res, err = s.deps.Rows.Apply(ctx, op)
	}
	s.deps.Metrics.RowOp(ctx, op.Operation, time.Since(start), err)
	return res, err
}

// handleBatchSync applies an ordered array of row deltas, collecting a result
// per item. A failed item does not stop the rest of the batch.
func (s *Session) handleBatchSync(ctx context.Context, data json.RawMessage) bool {
	var ops []syncDataRequest
	if err := json.Unmarshal(data, &ops); err != nil {
		s.emit(evBatchSyncResponse, map[string]any{
			"success":   false,
			"error":     "malformed batch_sync payload",
			"timestamp": nowStamp(),
		})
		return false
	}

	results := make([]map[string]any, 0, len(ops))
	failed := 0
	for _, op := range ops {
		if _, err := s.applyRow(ctx, op, false); err != nil {
			failed++
			s.log.WithError(err).WithFields(logrus.Fields{
				"table":   op.TableName,
				"sync_id": op.SyncID,
			}).Warn("batch item rejected")
			results = append(results, map[string]any{
				"syncId":  op.SyncID,
				"success": false,
				"error":   err.Error(),
			})
			continue
		}
		results = append(results, map[string]any{
			"syncId":  op.SyncID,
			"success": true,
		})
	}

	s.emit(evBatchSyncResponse, map[string]any{
		"success":   failed == 0,
		"processed": len(ops),
		"failed":    failed,
		"results":   results,
		"timestamp": nowStamp(),
	})
	return failed == 0
}

// seedBatchRequest is one batch of the row-bootstrap path.
type seedBatchRequest struct {
	TableName      string            `json:"tableName"`
	Data           []json.RawMessage `json:"data"`
	CurrentBatch   int               `json:"currentBatch"`
	TotalBatches   int               `json:"totalBatches"`
	TotalRows      int64             `json:"totalRows"`
	IsLastBatch    bool              `json:"isLastBatch"`
	OriginalSyncID string            `json:"originalSyncId"`
	BusinessType   string            `json:"businessType"`
}

// handleSeedBatch applies one batch of a table bootstrap. Rows go through the
// duplicate-skipping insert, so replaying a batch never doubles rows.
func (s *Session) handleSeedBatch(ctx context.Context, data json.RawMessage, progressEvent, completeEvent string) bool {
	var req seedBatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.log.WithError(err).Warn("malformed bootstrap batch")
		return false
	}
	s.touchSeedWatch(req.TableName)

	db, err := s.database(ctx, "", "")
	if err != nil {
		s.log.WithError(err).WithField("table", req.TableName).Warn("bootstrap batch not routable")
		s.emit(progressEvent, map[string]any{
			"tableName":      req.TableName,
			"currentBatch":   req.CurrentBatch,
			"totalBatches":   req.TotalBatches,
			"success":        false,
			"error":          err.Error(),
			"originalSyncId": req.OriginalSyncID,
			"timestamp":      nowStamp(),
		})
		return false
	}

	business := rowop.ParseBusinessType(req.BusinessType)
	var inserted, skipped, failed int64
	for _, raw := range req.Data {
		rec, err := payload.DecodeRaw(raw)
		if err != nil {
			failed++
			s.log.WithError(err).WithField("table", req.TableName).Debug("bootstrap row undecodable")
			continue
		}
		res, err := s.deps.Rows.ApplyBootstrap(ctx, rowop.Op{
			Database:  db,
			Table:     req.TableName,
			Operation: rowop.OpInsert,
			Business:  business,
			Record:    rec,
		})
		if err != nil {
			failed++
			s.log.WithError(err).WithField("table", req.TableName).Debug("bootstrap row rejected")
			continue
		}
		if res.Skipped {
			skipped++
		} else {
			inserted++
		}
	}

	totals := s.seedTotalsFor(req.TableName)
	totals.inserted += inserted
	totals.skipped += skipped
	totals.failed += failed

	s.emit(progressEvent, map[string]any{
		"tableName":      req.TableName,
		"currentBatch":   req.CurrentBatch,
		"totalBatches":   req.TotalBatches,
		"batchRows":      len(req.Data),
		"inserted":       inserted,
		"skipped":        skipped,
		"failed":         failed,
		"originalSyncId": req.OriginalSyncID,
		"timestamp":      nowStamp(),
	})

	if req.IsLastBatch {
		s.log.WithFields(logrus.Fields{
			"table":    req.TableName,
			"inserted": totals.inserted,
			"skipped":  totals.skipped,
			"failed":   totals.failed,
		}).Info("table bootstrap complete")
		s.emit(completeEvent, map[string]any{
			"tableName":      req.TableName,
			"totalRows":      req.TotalRows,
			"inserted":       totals.inserted,
			"skipped":        totals.skipped,
			"failed":         totals.failed,
			"originalSyncId": req.OriginalSyncID,
			"timestamp":      nowStamp(),
		})
		s.finishSeed(req.TableName)
	}
	return failed == 0
}
