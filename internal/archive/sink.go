package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/nucleus/prsync-core/internal/model"
)

// SinkConfig locates the archive destination.
type SinkConfig struct {
	Bucket     string
	BasePrefix string
}

// Sink writes committed batches as date-partitioned artifacts: pull
// requests as Snappy-compressed Parquet, nested collections as JSONL.GZ.
// The layout is <prefix>/<dataset>/dt=<date>/run=<runID>/part-NNNNNN.<ext>
// so a lakehouse table can mount each dataset directly.
type Sink struct {
	store  ObjectStore
	cfg    SinkConfig
	logger *slog.Logger

	mu  sync.Mutex
	seq map[string]int // run+dataset -> next part number
}

// NewSink builds a sink over an object store. The bucket is created on
// first use when missing.
func NewSink(store ObjectStore, cfg SinkConfig, logger *slog.Logger) *Sink {
	if cfg.Bucket == "" {
		cfg.Bucket = "prsync-archive"
	}
	if cfg.BasePrefix == "" {
		cfg.BasePrefix = "github"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "archive"),
		seq:    map[string]int{},
	}
}

// StageBatch writes one committed batch. Parts are numbered per run and
// dataset, so re-flushing after a resumed run appends rather than
// overwrites; downstream reads dedupe on external_id.
func (s *Sink) StageBatch(ctx context.Context, runID string, prs []model.PullRequestRecord, nested model.NestedSet) error {
	if len(prs) == 0 {
		return nil
	}
	if err := s.store.EnsureBucket(ctx, s.cfg.Bucket); err != nil {
		return err
	}
	loadDate := time.Now().UTC().Format("2006-01-02")

	key, err := s.writeParquet(ctx, "pull_requests", loadDate, runID, prs)
	if err != nil {
		return err
	}
	s.logger.Debug("staged pull requests", "run_id", runID, "rows", len(prs), "key", key)

	datasets := []struct {
		name string
		rows any
		n    int
	}{
		{"pr_commits", nested.Commits, len(nested.Commits)},
		{"pr_reviews", nested.Reviews, len(nested.Reviews)},
		{"pr_comments", nested.Comments, len(nested.Comments)},
	}
	for _, ds := range datasets {
		if ds.n == 0 {
			continue
		}
		if _, err := s.writeJSONL(ctx, ds.name, loadDate, runID, ds.rows); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) nextPart(runID, dataset string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := runID + "/" + dataset
	n := s.seq[k]
	s.seq[k] = n + 1
	return n
}

func (s *Sink) objectKey(dataset, loadDate, runID string, part int, ext string) string {
	return joinPath(
		s.cfg.BasePrefix,
		dataset,
		fmt.Sprintf("dt=%s", loadDate),
		fmt.Sprintf("run=%s", runID),
		fmt.Sprintf("part-%06d.%s", part, ext),
	)
}

// writeParquet writes the batch as one Parquet part.
func (s *Sink) writeParquet(ctx context.Context, dataset, loadDate, runID string, prs []model.PullRequestRecord) (string, error) {
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(pullRequestSchema(), pfw, 4)
	if err != nil {
		return "", storeError(model.CodeStorageFailed, true, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range prs {
		row, err := json.Marshal(pullRequestRow(rec))
		if err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return "", storeError(model.CodeStorageFailed, false, err)
		}
		if err := pw.Write(string(row)); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return "", storeError(model.CodeStorageFailed, true, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return "", storeError(model.CodeStorageFailed, true, err)
	}
	_ = pfw.Close()

	key := s.objectKey(dataset, loadDate, runID, s.nextPart(runID, dataset), "parquet")
	if err := s.store.PutObject(ctx, s.cfg.Bucket, key, buf.Bytes()); err != nil {
		return "", err
	}
	return key, nil
}

// writeJSONL writes a nested collection as one gzipped JSONL part.
func (s *Sink) writeJSONL(ctx context.Context, dataset, loadDate, runID string, rows any) (string, error) {
	buf := &bytes.Buffer{}
	if err := encodeJSONL(buf, rows); err != nil {
		return "", storeError(model.CodeStorageFailed, true, err)
	}
	key := s.objectKey(dataset, loadDate, runID, s.nextPart(runID, dataset), "jsonl.gz")
	if err := s.store.PutObject(ctx, s.cfg.Bucket, key, buf.Bytes()); err != nil {
		return "", err
	}
	return key, nil
}

func encodeJSONL(buf *bytes.Buffer, rows any) error {
	gz := gzip.NewWriter(buf)
	enc := json.NewEncoder(gz)

	write := func(v any) error {
		if err := enc.Encode(v); err != nil {
			_ = gz.Close()
			return err
		}
		return nil
	}
	switch recs := rows.(type) {
	case []model.CommitRecord:
		for _, rec := range recs {
			if err := write(rec); err != nil {
				return err
			}
		}
	case []model.ReviewRecord:
		for _, rec := range recs {
			if err := write(rec); err != nil {
				return err
			}
		}
	case []model.CommentRecord:
		for _, rec := range recs {
			if err := write(rec); err != nil {
				return err
			}
		}
	default:
		_ = gz.Close()
		return fmt.Errorf("unsupported row type %T", rows)
	}
	// Close once to flush; close errors surface as staging failures.
	return gz.Close()
}

// pullRequestSchema is the Parquet layout of one pull-request row.
// Timestamps travel as RFC3339 strings; lakehouse ingestion casts them.
func pullRequestSchema() string {
	fields := []map[string]string{
		{"Tag": "name=external_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
		{"Tag": "name=repository_id, type=INT64, repetitiontype=OPTIONAL"},
		{"Tag": "name=number, type=INT64, repetitiontype=OPTIONAL"},
		{"Tag": "name=title, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
		{"Tag": "name=body, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
		{"Tag": "name=state, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
		{"Tag": "name=author, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
		{"Tag": "name=draft, type=BOOLEAN, repetitiontype=OPTIONAL"},
		{"Tag": "name=base_ref, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
		{"Tag": "name=head_ref, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
		{"Tag": "name=url, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
		{"Tag": "name=commits, type=INT64, repetitiontype=OPTIONAL"},
		{"Tag": "name=additions, type=INT64, repetitiontype=OPTIONAL"},
		{"Tag": "name=deletions, type=INT64, repetitiontype=OPTIONAL"},
		{"Tag": "name=changed_files, type=INT64, repetitiontype=OPTIONAL"},
		{"Tag": "name=gh_created_at, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
		{"Tag": "name=gh_updated_at, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
		{"Tag": "name=merged_at, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
		{"Tag": "name=closed_at, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func pullRequestRow(rec model.PullRequestRecord) map[string]any {
	return map[string]any{
		"external_id":   rec.ExternalID,
		"repository_id": rec.RepositoryID,
		"number":        int64(rec.Number),
		"title":         rec.Title,
		"body":          rec.Body,
		"state":         rec.State,
		"author":        rec.Author,
		"draft":         rec.Draft,
		"base_ref":      rec.BaseRef,
		"head_ref":      rec.HeadRef,
		"url":           rec.URL,
		"commits":       int64(rec.Commits),
		"additions":     int64(rec.Additions),
		"deletions":     int64(rec.Deletions),
		"changed_files": int64(rec.ChangedFiles),
		"gh_created_at": rec.GHCreatedAt.UTC().Format(time.RFC3339),
		"gh_updated_at": rec.GHUpdatedAt.UTC().Format(time.RFC3339),
		"merged_at":     optionalStamp(rec.MergedAt),
		"closed_at":     optionalStamp(rec.ClosedAt),
	}
}

func optionalStamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
