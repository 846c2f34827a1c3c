// Package bulkload moves table bootstraps over the CSV path: chunked upload
// reassembly, file persistence under the uploads directory, and the LOAD DATA
// import with its per-column coercion rules.
package bulkload

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Key identifies one in-flight upload within a session.
type Key struct {
	AppID    string
	FileName string
}

// Accumulator collects the base64 chunks of one bulk upload until all
// declared chunks have arrived. It never spans sessions: a disconnect drops
// the accumulator and the upload starts over on reconnect.
type Accumulator struct {
	AppID          string
	Table          string
	FileName       string
	ExpectedChunks int
	DeclaredBytes  int64
	DeclaredRows   int64
	StartedAt      time.Time

	chunks     map[int][]byte
	totalBytes int64
}

// NewAccumulator starts tracking an upload declared by csv_bulk_upload_start.
func NewAccumulator(appID, table, fileName string, totalChunks int, fileSizeBytes, rowCount int64) (*Accumulator, error) {
	if totalChunks <= 0 {
		return nil, fmt.Errorf("upload %q declares %d chunks", fileName, totalChunks)
	}
	if fileName == "" {
		return nil, fmt.Errorf("upload for table %q has no file name", table)
	}
	return &Accumulator{
		AppID:          appID,
		Table:          table,
		FileName:       fileName,
		ExpectedChunks: totalChunks,
		DeclaredBytes:  fileSizeBytes,
		DeclaredRows:   rowCount,
		StartedAt:      time.Now(),
		chunks:         make(map[int][]byte, totalChunks),
	}, nil
}

// Key returns the map key this accumulator is registered under.
func (a *Accumulator) Key() Key {
	return Key{AppID: a.AppID, FileName: a.FileName}
}

// Add decodes and stores one chunk. Indices outside [0, ExpectedChunks) are
// rejected; a re-sent index replaces the earlier bytes.
func (a *Accumulator) Add(index int, content string) error {
	if index < 0 || index >= a.ExpectedChunks {
		return fmt.Errorf("chunk index %d outside [0, %d) for %q", index, a.ExpectedChunks, a.FileName)
	}
	data, err := DecodeContent(content)
	if err != nil {
		return fmt.Errorf("decoding chunk %d of %q: %w", index, a.FileName, err)
	}
	if prev, ok := a.chunks[index]; ok {
		a.totalBytes -= int64(len(prev))
	}
	a.chunks[index] = data
	a.totalBytes += int64(len(data))
	return nil
}

// Complete reports whether every declared chunk has arrived.
func (a *Accumulator) Complete() bool {
	return len(a.chunks) == a.ExpectedChunks
}

// Received returns the number of chunks and bytes stored so far.
func (a *Accumulator) Received() (chunks int, bytes int64) {
	return len(a.chunks), a.totalBytes
}

// Assemble concatenates the chunks in ascending index order, reproducing the
// source file byte for byte.
func (a *Accumulator) Assemble() ([]byte, error) {
	if !a.Complete() {
		return nil, fmt.Errorf("upload %q incomplete: %d of %d chunks", a.FileName, len(a.chunks), a.ExpectedChunks)
	}
	out := make([]byte, 0, a.totalBytes)
	for i := 0; i < a.ExpectedChunks; i++ {
		chunk, ok := a.chunks[i]
		if !ok {
			return nil, fmt.Errorf("upload %q missing chunk %d", a.FileName, i)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// DecodeContent decodes wire file content, accepting both padded and unpadded
// standard base64; the sending side is not consistent about padding the final
// chunk.
func DecodeContent(content string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(content)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(content); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

// SaveUpload writes data under dir as the base name of fileName, creating dir
// as needed. Path elements in fileName are stripped so an upload can never
// escape the uploads directory.
func SaveUpload(dir, fileName string, data []byte) (string, error) {
	name := filepath.Base(filepath.Clean(fileName))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid upload file name %q", fileName)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating uploads directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing upload %s: %w", path, err)
	}
	return path, nil
}
