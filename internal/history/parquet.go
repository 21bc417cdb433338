package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"
)

type parquetRecord struct {
	NaturalKey  string `parquet:"name=natural_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fingerprint string `parquet:"name=fingerprint, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes  string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	ValidFrom   int64  `parquet:"name=valid_from, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	ValidTo     *int64 `parquet:"name=valid_to, type=INT64, convertedtype=TIMESTAMP_MICROS, repetitiontype=OPTIONAL"`
	IsCurrent   bool   `parquet:"name=is_current, type=BOOLEAN"`
}

// ParquetStore keeps one snappy-compressed parquet file per history under root.
type ParquetStore struct {
	root string
}

// NewParquetStore creates root if needed.
func NewParquetStore(root string) (*ParquetStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "history: create %s", root)
	}
	return &ParquetStore{root: root}, nil
}

// Path implements Locator.
func (s *ParquetStore) Path(dataset string, partition int) string {
	return filepath.Join(s.root, dataset, fmt.Sprintf("branch=%d", partition), dataset+"_history.parquet")
}

// Load implements Store. A missing file is an empty history.
func (s *ParquetStore) Load(_ context.Context, dataset string, partition int) ([]Record, error) {
	path := s.Path(dataset, partition)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, eris.Wrapf(err, "history: open %s", path)
	}
	defer fr.Close() //nolint:errcheck

	pr, err := reader.NewParquetReader(fr, new(parquetRecord), 1)
	if err != nil {
		return nil, eris.Wrapf(err, "history: read %s", path)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	rows := make([]parquetRecord, n)
	if n > 0 {
		if err := pr.Read(&rows); err != nil {
			return nil, eris.Wrapf(err, "history: read rows from %s", path)
		}
	}

	records := make([]Record, 0, n)
	for _, row := range rows {
		attrs, err := decodeAttributes([]byte(row.Attributes))
		if err != nil {
			return nil, eris.Wrapf(err, "history: %s key %s", path, row.NaturalKey)
		}
		rec := Record{
			Key:         row.NaturalKey,
			Attributes:  attrs,
			Fingerprint: row.Fingerprint,
			ValidFrom:   time.UnixMicro(row.ValidFrom).UTC(),
			IsCurrent:   row.IsCurrent,
		}
		if row.ValidTo != nil {
			to := time.UnixMicro(*row.ValidTo).UTC()
			rec.ValidTo = &to
		}
		records = append(records, rec)
	}
	return records, nil
}

// Replace implements Store. The file is written beside the target and renamed
// over it.
func (s *ParquetStore) Replace(_ context.Context, dataset string, partition int, records []Record) error {
	path := s.Path(dataset, partition)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "history: create dir for %s", path)
	}
	tmp := path + ".tmp"

	if err := writeParquet(tmp, records); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "history: rename %s", tmp)
	}

	zap.L().Debug("history: parquet written",
		zap.String("path", path),
		zap.Int("records", len(records)),
	)
	return nil
}

func writeParquet(path string, records []Record) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return eris.Wrapf(err, "history: create %s", path)
	}

	pw, err := writer.NewParquetWriter(fw, new(parquetRecord), 1)
	if err != nil {
		fw.Close() //nolint:errcheck
		return eris.Wrap(err, "history: new parquet writer")
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range records {
		attrs, err := encodeAttributes(r.Attributes)
		if err != nil {
			fw.Close() //nolint:errcheck
			return err
		}
		row := parquetRecord{
			NaturalKey:  r.Key,
			Fingerprint: r.Fingerprint,
			Attributes:  string(attrs),
			ValidFrom:   r.ValidFrom.UTC().UnixMicro(),
			IsCurrent:   r.IsCurrent,
		}
		if r.ValidTo != nil {
			to := r.ValidTo.UTC().UnixMicro()
			row.ValidTo = &to
		}
		if err := pw.Write(row); err != nil {
			fw.Close() //nolint:errcheck
			return eris.Wrapf(err, "history: write %s", r.Key)
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

// Close implements Store.
func (s *ParquetStore) Close() error { return nil }
