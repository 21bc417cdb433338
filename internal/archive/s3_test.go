package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kinhotel/pms-sync/internal/config"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	if in.Body != nil {
		f.body, _ = io.ReadAll(in.Body)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestUpload(t *testing.T) {
	fp := &fakePutter{}
	u := newS3Uploader(fp, "kin-data", "/pms-history/")
	local := writeTemp(t, "booking_history.parquet", "PAR1data")

	url, err := u.Upload(context.Background(), local, "booking/branch=1/2024-06-01/booking_history.parquet")
	require.NoError(t, err)
	assert.Equal(t, "s3://kin-data/pms-history/booking/branch=1/2024-06-01/booking_history.parquet", url)

	require.NotNil(t, fp.input)
	assert.Equal(t, "kin-data", aws.ToString(fp.input.Bucket))
	assert.Equal(t, "pms-history/booking/branch=1/2024-06-01/booking_history.parquet", aws.ToString(fp.input.Key))
	assert.Equal(t, int64(8), aws.ToInt64(fp.input.ContentLength))
	assert.Equal(t, "application/vnd.apache.parquet", aws.ToString(fp.input.ContentType))
	assert.Equal(t, "PAR1data", string(fp.body))
}

func TestUpload_Errors(t *testing.T) {
	u := newS3Uploader(&fakePutter{}, "kin-data", "")
	_, err := u.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.parquet"), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive: open")

	u = newS3Uploader(&fakePutter{err: errors.New("access denied")}, "kin-data", "")
	_, err = u.Upload(context.Background(), writeTemp(t, "x.json", "{}"), "runs/x.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://kin-data/runs/x.json")
}

func TestKey(t *testing.T) {
	assert.Equal(t, "a/b", newS3Uploader(nil, "b", "").Key("/a/b"))
	assert.Equal(t, "p/a/b", newS3Uploader(nil, "b", "p").Key("a/b"))
}

func TestNewS3Uploader(t *testing.T) {
	_, err := NewS3Uploader(context.Background(), config.ArchiveConfig{})
	assert.Error(t, err)

	u, err := NewS3Uploader(context.Background(), config.ArchiveConfig{
		Bucket:          "kin-data",
		Prefix:          "pms-history",
		Region:          "ap-southeast-1",
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio-secret",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "pms-history/x", u.Key("x"))
}
