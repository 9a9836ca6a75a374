package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-refinery/internal/config"
)

type recordingPut struct {
	bucket, key string
	body        []byte
}

func (r *recordingPut) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	r.bucket = aws.ToString(in.Bucket)
	r.key = aws.ToString(in.Key)
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	r.body = b
	return &s3.PutObjectOutput{}, nil
}

func TestS3ArchiveUploadsFile(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "Homo_sapiens.fa.gz")
	require.NoError(t, os.WriteFile(local, []byte("ACGT"), 0o644))

	put := &recordingPut{}
	a := &S3Archive{client: put, bucket: "raw"}
	uri, err := a.Archive(context.Background(), "Homo_sapiens_long/../Homo_sapiens_long/Homo_sapiens.fa.gz", local)
	require.NoError(t, err)

	assert.Equal(t, "s3://raw/Homo_sapiens_long/Homo_sapiens.fa.gz", uri)
	assert.Equal(t, "raw", put.bucket)
	assert.Equal(t, []byte("ACGT"), put.body)
}

func TestS3ArchiveMissingFile(t *testing.T) {
	a := &S3Archive{client: &recordingPut{}, bucket: "raw"}
	_, err := a.Archive(context.Background(), "k", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestNewS3ArchiveDisabledWithoutBucket(t *testing.T) {
	a, err := NewS3Archive(context.Background(), config.Config{})
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "a/b.txt", sanitizeKey(`\a\b.txt`))
	assert.Equal(t, "etc/passwd", sanitizeKey("../../etc/passwd"))
}
