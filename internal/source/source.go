// Package source implements the ingestion adapters: the only code that
// touches the upstream formats. The DPE dataset arrives from a paginated
// JSON API, the DVF dataset from pipe-delimited bulk files. Both expose the
// same page-oriented contract so a crash mid-fetch resumes from the last
// committed cursor instead of restarting.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/foncierlab/medallion/internal/lake"
)

// ErrUnavailable marks a transient source failure. Fetches are retried with
// exponential backoff before this surfaces; the orchestrator may retry the
// whole stage later.
var ErrUnavailable = errors.New("source unavailable")

// MalformedError marks a permanently unparseable source payload. Never
// retried; surfaced to the orchestrator as a partition failure.
type MalformedError struct {
	Source string
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed source %s: %s", e.Source, e.Reason)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Page is one resumable unit of a fetch. NextCursor is opaque to callers and
// is persisted in the run manifest after the page's records are committed.
type Page struct {
	Records    []lake.RawRecord
	NextCursor string
	Done       bool
}

// RecordSource pulls raw records for a partition, page by page.
// An empty cursor starts from the beginning.
type RecordSource interface {
	FetchPage(ctx context.Context, part lake.PartitionKey, cursor string) (*Page, error)
	Close() error
}

// Config carries the adapter settings for both datasets.
type Config struct {
	DPEBaseURL  string
	DPEPageSize int

	DVFDir       string
	DVFChunkSize int

	RetryAttempts  int
	RetryBackoffMs int
	TimeoutSeconds int
}

// NewRecordSource builds a source that routes each partition to the adapter
// for its dataset.
func NewRecordSource(cfg Config) (RecordSource, error) {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &router{
		dpe: newAPISource(cfg),
		dvf: newFileSource(cfg),
	}, nil
}

type router struct {
	dpe RecordSource
	dvf RecordSource
}

func (r *router) FetchPage(ctx context.Context, part lake.PartitionKey, cursor string) (*Page, error) {
	switch part.Dataset {
	case lake.DatasetDPE:
		return r.dpe.FetchPage(ctx, part, cursor)
	case lake.DatasetDVF:
		return r.dvf.FetchPage(ctx, part, cursor)
	default:
		return nil, fmt.Errorf("no source for dataset %q", part.Dataset)
	}
}

func (r *router) Close() error {
	errDPE := r.dpe.Close()
	errDVF := r.dvf.Close()
	if errDPE != nil {
		return errDPE
	}
	return errDVF
}

// IsUnavailable reports whether err is a transient source failure that
// already exhausted its retries.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsMalformed reports whether err means the source returned content the
// adapter cannot interpret. Retrying will not help.
func IsMalformed(err error) bool {
	var m *MalformedError
	return errors.As(err, &m)
}
