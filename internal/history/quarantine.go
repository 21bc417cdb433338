package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"
)

// Quarantined is a source record that could not be historized, kept with
// the reason it was rejected. Payload is the record as received, which need
// not be valid JSON.
type Quarantined struct {
	Index       int       `json:"index"`
	Payload     string    `json:"payload"`
	Reason      string    `json:"validation_error"`
	ExtractedAt time.Time `json:"extracted_at"`
}

type quarantineRow struct {
	RecordIndex     int64  `parquet:"name=record_index, type=INT64"`
	Payload         string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
	ValidationError string `parquet:"name=validation_error, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExtractedAt     int64  `parquet:"name=extracted_at, type=INT64, convertedtype=TIMESTAMP_MICROS"`
}

// QuarantineStore writes one parquet file per dataset, partition and run.
type QuarantineStore struct {
	root string
}

// NewQuarantineStore creates root if needed.
func NewQuarantineStore(root string) (*QuarantineStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "history: create %s", root)
	}
	return &QuarantineStore{root: root}, nil
}

func (s *QuarantineStore) dir(dataset string, partition int) string {
	return filepath.Join(s.root, dataset, fmt.Sprintf("branch=%d", partition))
}

// Path is where the records rejected at asOf are written.
func (s *QuarantineStore) Path(dataset string, partition int, asOf time.Time) string {
	return filepath.Join(s.dir(dataset, partition), asOf.UTC().Format("20060102T150405Z")+".parquet")
}

// Write stores records and returns the file written. Nothing is written for
// an empty batch.
func (s *QuarantineStore) Write(_ context.Context, dataset string, partition int, asOf time.Time, records []Quarantined) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	path := s.Path(dataset, partition, asOf)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrapf(err, "history: create dir for %s", path)
	}
	tmp := path + ".tmp"

	if err := writeQuarantine(tmp, asOf, records); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", eris.Wrapf(err, "history: rename %s", tmp)
	}

	zap.L().Info("history: records quarantined",
		zap.String("dataset", dataset),
		zap.Int("partition", partition),
		zap.String("path", path),
		zap.Int("records", len(records)),
	)
	return path, nil
}

// Load returns every quarantined record of a partition, oldest file first.
func (s *QuarantineStore) Load(_ context.Context, dataset string, partition int) ([]Quarantined, error) {
	entries, err := os.ReadDir(s.dir(dataset, partition))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "history: list quarantine for %s/%d", dataset, partition)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".parquet" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []Quarantined
	for _, name := range names {
		recs, err := readQuarantine(filepath.Join(s.dir(dataset, partition), name))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func writeQuarantine(path string, asOf time.Time, records []Quarantined) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return eris.Wrapf(err, "history: create %s", path)
	}

	pw, err := writer.NewParquetWriter(fw, new(quarantineRow), 1)
	if err != nil {
		fw.Close() //nolint:errcheck
		return eris.Wrap(err, "history: new parquet writer")
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range records {
		row := quarantineRow{
			RecordIndex:     int64(r.Index),
			Payload:         r.Payload,
			ValidationError: r.Reason,
			ExtractedAt:     asOf.UTC().UnixMicro(),
		}
		if err := pw.Write(row); err != nil {
			fw.Close() //nolint:errcheck
			return eris.Wrapf(err, "history: write quarantined record %d", r.Index)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close() //nolint:errcheck
		return eris.Wrap(err, "history: finish parquet")
	}
	if err := fw.Close(); err != nil {
		return eris.Wrapf(err, "history: close %s", path)
	}
	return nil
}

func readQuarantine(path string) ([]Quarantined, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, eris.Wrapf(err, "history: open %s", path)
	}
	defer fr.Close() //nolint:errcheck

	pr, err := reader.NewParquetReader(fr, new(quarantineRow), 1)
	if err != nil {
		return nil, eris.Wrapf(err, "history: read %s", path)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	rows := make([]quarantineRow, n)
	if n > 0 {
		if err := pr.Read(&rows); err != nil {
			return nil, eris.Wrapf(err, "history: read rows from %s", path)
		}
	}

	out := make([]Quarantined, 0, n)
	for _, row := range rows {
		out = append(out, Quarantined{
			Index:       int(row.RecordIndex),
			Payload:     row.Payload,
			Reason:      row.ValidationError,
			ExtractedAt: time.UnixMicro(row.ExtractedAt).UTC(),
		})
	}
	return out, nil
}
