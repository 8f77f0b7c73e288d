package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	bucket, key, contentType string
	body                     []byte
	err                      error
}

func (f *fakeS3) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	f.contentType = aws.ToString(in.ContentType)
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &awss3.PutObjectOutput{}, nil
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	client := &fakeS3{}
	store, err := New(client, Config{Bucket: "pdb-assets", Prefix: "mirror/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/rcsb/2024-03-09-14/abc.pdf", "application/pdf", bytes.NewReader([]byte("%PDF")))
	require.NoError(t, err)
	require.Equal(t, "s3://pdb-assets/mirror/rcsb/2024-03-09-14/abc.pdf", uri)
	require.Equal(t, "pdb-assets", client.bucket)
	require.Equal(t, "mirror/rcsb/2024-03-09-14/abc.pdf", client.key)
	require.Equal(t, "application/pdf", client.contentType)
	require.Equal(t, "%PDF", string(client.body))
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&fakeS3{}, Config{})
	require.Error(t, err)

	store, err := New(&fakeS3{err: errors.New("access denied")}, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "x", "", bytes.NewReader(nil))
	require.ErrorContains(t, err, "access denied")
	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.ErrorContains(t, err, "path is required")
}
