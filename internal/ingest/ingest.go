// Package ingest parses uploaded invoice files (CSV and JSON) into
// payment lines. Parsing is forgiving at the batch level: a malformed
// row becomes a persisted rejection, and the batch is accepted as long
// as at least one row survives.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/metrics"
	"github.com/settleline/payflow/internal/store"
)

// Result is what a parse pass produces: the accepted lines and the
// per-row rejections.
type Result struct {
	Lines    []*core.Line
	Rejected []*core.RejectedRecord
}

// Parser turns one uploaded file into a Result.
type Parser interface {
	Parse(batchID string, data []byte) (*Result, error)
}

// ErrEmptyBatch is returned when no row in the file parsed.
var ErrEmptyBatch = core.NewFailure(core.ErrValidation, "EMPTY_BATCH", "no parsable records in upload")

// Ingestor persists the parse outcome: rejections always, lines via
// the caller (the orchestrator owns line persistence).
type Ingestor struct {
	store store.Store
	clock func() time.Time
}

func NewIngestor(s store.Store) *Ingestor {
	return &Ingestor{store: s, clock: func() time.Time { return time.Now() }}
}

func (i *Ingestor) SetClock(clock func() time.Time) { i.clock = clock }

// ParserFor picks a parser by filename extension, defaulting to CSV.
func ParserFor(filename string) Parser {
	if strings.HasSuffix(strings.ToLower(filename), ".json") {
		return &JSONParser{}
	}
	return &CSVParser{}
}

// Ingest parses the upload and persists every rejection. It fails only
// when not a single record parsed.
func (i *Ingestor) Ingest(ctx context.Context, batchID, filename string, data []byte) (*Result, error) {
	res, err := ParserFor(filename).Parse(batchID, data)
	if err != nil {
		return nil, err
	}

	for _, rej := range res.Rejected {
		rej.TS = i.clock()
		if err := i.store.PutRejectedRecord(ctx, rej); err != nil {
			log.WithError(err).WithField("row", rej.RowNum).Error("rejection persist failed")
		}
		metrics.RecordsRejected.Inc()
	}
	if len(res.Lines) == 0 {
		return nil, ErrEmptyBatch
	}

	log.WithFields(log.Fields{
		"batch":    batchID,
		"accepted": len(res.Lines),
		"rejected": len(res.Rejected),
	}).Info("batch ingested")
	return res, nil
}

func newLineID() string {
	return "L-" + uuid.NewString()[:8]
}

func reject(batchID string, row int, raw, format string, args ...interface{}) *core.RejectedRecord {
	return &core.RejectedRecord{
		BatchID: batchID,
		RowNum:  row,
		Reason:  fmt.Sprintf(format, args...),
		Raw:     raw,
	}
}
