package session

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/bulkload"
)

// csvUploadRequest is the single-shot upload: the whole file in one event.
type csvUploadRequest struct {
	TableName     string `json:"tableName"`
	FileName      string `json:"fileName"`
	FileContent   string `json:"fileContent"`
	FileSizeBytes int64  `json:"fileSizeBytes"`
	RowCount      int64  `json:"rowCount"`
}

func (s *Session) handleCSVUpload(ctx context.Context, data json.RawMessage) bool {
	var req csvUploadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.emit(evCSVUploadResponse, csvFailure("", "", "malformed csv_bulk_upload payload"))
		return false
	}

	db, err := s.database(ctx, "", "")
	if err != nil {
		s.emit(evCSVUploadResponse, csvFailure(req.TableName, req.FileName, err.Error()))
		return false
	}

	content, err := bulkload.DecodeContent(req.FileContent)
	if err != nil {
		s.emit(evCSVUploadResponse, csvFailure(req.TableName, req.FileName, "decoding file content: "+err.Error()))
		return false
	}
	if req.FileSizeBytes > 0 && int64(len(content)) != req.FileSizeBytes {
		s.log.WithFields(logrus.Fields{
			"file":     req.FileName,
			"declared": req.FileSizeBytes,
			"received": len(content),
		}).Warn("upload size mismatch")
	}

	path, err := bulkload.SaveUpload(s.uploadDir(db), req.FileName, content)
	if err != nil {
		s.emit(evCSVUploadResponse, csvFailure(req.TableName, req.FileName, err.Error()))
		return false
	}
	s.trackFile(path)
	return s.importUpload(ctx, db, req.TableName, req.FileName, path, req.RowCount)
}

// csvStartRequest declares a chunked upload. The table name usually arrives
// on the chunks, but is accepted here too.
type csvStartRequest struct {
	TableName     string `json:"tableName"`
	FileName      string `json:"fileName"`
	TotalChunks   int    `json:"totalChunks"`
	FileSizeBytes int64  `json:"fileSizeBytes"`
	RowCount      int64  `json:"rowCount"`
}

func (s *Session) handleCSVUploadStart(ctx context.Context, data json.RawMessage) bool {
	var req csvStartRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.emit(evCSVUploadResponse, csvFailure("", "", "malformed csv_bulk_upload_start payload"))
		return false
	}

	acc, err := bulkload.NewAccumulator(s.appID, req.TableName, req.FileName, req.TotalChunks, req.FileSizeBytes, req.RowCount)
	if err != nil {
		s.emit(evCSVUploadResponse, csvFailure(req.TableName, req.FileName, err.Error()))
		return false
	}
	if prev, ok := s.upload(acc.Key()); ok {
		got, _ := prev.Received()
		s.log.WithFields(logrus.Fields{"file": req.FileName, "received_chunks": got}).Warn("restarting upload")
	}
	s.setUpload(acc.Key(), acc)

	s.log.WithFields(logrus.Fields{
		"file":   req.FileName,
		"chunks": req.TotalChunks,
		"bytes":  req.FileSizeBytes,
		"rows":   req.RowCount,
	}).Info("chunked upload started")
	s.emit(evCSVImportProgress, map[string]any{
		"tableName":      req.TableName,
		"fileName":       req.FileName,
		"receivedChunks": 0,
		"totalChunks":    req.TotalChunks,
		"timestamp":      nowStamp(),
	})
	return true
}

// csvChunkRequest carries one base64 slice of a chunked upload. isLastChunk
// marks the highest-indexed chunk, not the final arrival; chunks may land in
// any order.
type csvChunkRequest struct {
	TableName    string `json:"tableName"`
	FileName     string `json:"fileName"`
	ChunkIndex   int    `json:"chunkIndex"`
	TotalChunks  int    `json:"totalChunks"`
	ChunkContent string `json:"chunkContent"`
	IsLastChunk  bool   `json:"isLastChunk"`
}

func (s *Session) handleCSVUploadChunk(ctx context.Context, data json.RawMessage) bool {
	var req csvChunkRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.emit(evCSVUploadResponse, csvFailure("", "", "malformed csv_bulk_upload_chunk payload"))
		return false
	}

	key := bulkload.Key{AppID: s.appID, FileName: req.FileName}
	acc, ok := s.upload(key)
	if !ok {
		// Tolerate a lost start event as long as the chunk declares the total.
		fresh, err := bulkload.NewAccumulator(s.appID, req.TableName, req.FileName, req.TotalChunks, 0, 0)
		if err != nil {
			s.emit(evCSVUploadResponse, csvFailure(req.TableName, req.FileName, "chunk for unknown upload: "+err.Error()))
			return false
		}
		s.log.WithField("file", req.FileName).Warn("chunk without upload start, accepting")
		s.setUpload(key, fresh)
		acc = fresh
	}
	return s.acceptChunk(ctx, key, acc, req)
}

func (s *Session) acceptChunk(ctx context.Context, key bulkload.Key, acc *bulkload.Accumulator, req csvChunkRequest) bool {
	if acc.Table == "" && req.TableName != "" {
		acc.Table = req.TableName
	}

	if err := acc.Add(req.ChunkIndex, req.ChunkContent); err != nil {
		s.dropUpload(key)
		s.log.WithError(err).WithField("file", req.FileName).Warn("upload aborted")
		s.emit(evCSVUploadResponse, csvFailure(acc.Table, req.FileName, err.Error()))
		return false
	}

	got, bytes := acc.Received()
	s.emit(evCSVImportProgress, map[string]any{
		"tableName":      acc.Table,
		"fileName":       req.FileName,
		"receivedChunks": got,
		"totalChunks":    acc.ExpectedChunks,
		"receivedBytes":  bytes,
		"timestamp":      nowStamp(),
	})

	if !acc.Complete() {
		if req.IsLastChunk {
			s.log.WithFields(logrus.Fields{
				"file":     req.FileName,
				"received": got,
				"expected": acc.ExpectedChunks,
			}).Debug("last-indexed chunk arrived before the rest")
		}
		return true
	}

	s.dropUpload(key)
	if acc.Table == "" {
		s.emit(evCSVUploadResponse, csvFailure("", req.FileName, "upload never declared a table name"))
		return false
	}

	db, err := s.database(ctx, "", "")
	if err != nil {
		s.emit(evCSVUploadResponse, csvFailure(acc.Table, req.FileName, err.Error()))
		return false
	}

	content, err := acc.Assemble()
	if err != nil {
		s.emit(evCSVUploadResponse, csvFailure(acc.Table, req.FileName, err.Error()))
		return false
	}
	if acc.DeclaredBytes > 0 && int64(len(content)) != acc.DeclaredBytes {
		s.log.WithFields(logrus.Fields{
			"file":     req.FileName,
			"declared": acc.DeclaredBytes,
			"received": len(content),
		}).Warn("upload size mismatch")
	}

	path, err := bulkload.SaveUpload(s.uploadDir(db), req.FileName, content)
	if err != nil {
		s.emit(evCSVUploadResponse, csvFailure(acc.Table, req.FileName, err.Error()))
		return false
	}
	s.trackFile(path)
	return s.importUpload(ctx, db, acc.Table, req.FileName, path, acc.DeclaredRows)
}

// importUpload runs the bulk load for a saved file and reports the outcome.
// On success the importer removes the file; a failed import leaves it in the
// uploads directory until the session closes.
func (s *Session) importUpload(ctx context.Context, db, table, fileName, path string, declaredRows int64) bool {
	s.emit(evCSVImportProgress, map[string]any{
		"tableName": table,
		"fileName":  fileName,
		"stage":     "importing",
		"rowCount":  declaredRows,
		"timestamp": nowStamp(),
	})

	res, err := s.deps.CSV.ImportCSV(ctx, db, table, path)
	if err != nil {
		s.deps.Metrics.CSVImport(ctx, 0, 0, err)
		s.log.WithError(err).WithField("table", table).Error("CSV import failed")
		s.emit(evCSVUploadResponse, csvFailure(table, fileName, err.Error()))
		return false
	}
	s.untrackFile(path)
	s.deps.Metrics.CSVImport(ctx, res.AffectedRows, res.SkippedRows, nil)

	s.emit(evCSVUploadResponse, map[string]any{
		"tableName":    table,
		"fileName":     fileName,
		"success":      true,
		"importedRows": res.AffectedRows,
		"skippedRows":  res.SkippedRows,
		"method":       res.Method,
		"timestamp":    nowStamp(),
	})
	s.emit(evCSVImportComplete, map[string]any{
		"tableName":    table,
		"fileName":     fileName,
		"importedRows": res.AffectedRows,
		"skippedRows":  res.SkippedRows,
		"totalRows":    declaredRows,
		"timestamp":    nowStamp(),
	})
	return true
}

func csvFailure(table, fileName, msg string) map[string]any {
	return map[string]any{
		"tableName": table,
		"fileName":  fileName,
		"success":   false,
		"error":     msg,
		"timestamp": nowStamp(),
	}
}
