package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

func TestKeyFromURI(t *testing.T) {
	key, err := KeyFromURI("blob://reports/2026/q3.json")
	require.NoError(t, err)
	assert.Equal(t, "reports/2026/q3.json", key)

	_, err = KeyFromURI("file:///etc/passwd")
	assert.Equal(t, models.ErrInvalidArgument, models.KindOf(err))

	_, err = KeyFromURI("blob://")
	assert.Equal(t, models.ErrInvalidArgument, models.KindOf(err))
}

type fakeS3 struct {
	objects map[string]Object
	deleted []string
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for key := range f.objects {
		k := key
		out.Contents = append(out.Contents, types.Object{Key: &k})
	}
	return out, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, ok := f.objects[*params.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	ct := obj.ContentType
	return &s3.HeadObjectOutput{ContentType: &ct}, nil
}

func (f *fakeS3) Upload(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data := make([]byte, 0)
	buf := make([]byte, 4096)
	for {
		n, err := params.Body.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			break
		}
	}
	ct := ""
	if params.ContentType != nil {
		ct = *params.ContentType
	}
	f.objects[*params.Key] = Object{Key: *params.Key, ContentType: ct, Data: data}
	return &manager.UploadOutput{}, nil
}

func (f *fakeS3) Download(ctx context.Context, w io.WriterAt, params *s3.GetObjectInput, optFns ...func(*manager.Downloader)) (int64, error) {
	obj, ok := f.objects[*params.Key]
	if !ok {
		return 0, &types.NoSuchKey{}
	}
	n, err := w.WriteAt(obj.Data, 0)
	return int64(n), err
}

func newFakeS3Store() (*S3Store, *fakeS3) {
	fake := &fakeS3{objects: make(map[string]Object)}
	return &S3Store{
		api:        fake,
		uploader:   fake,
		downloader: fake,
		bucket:     "capability-blobs",
		logger:     observability.NewNoopLogger(),
	}, fake
}

func TestS3StoreRoundTrip(t *testing.T) {
	store, _ := newFakeS3Store()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "docs/readme.md", []byte("# hello"), "text/markdown"))

	obj, err := store.Get(ctx, "docs/readme.md")
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", obj.ContentType)
	assert.Equal(t, []byte("# hello"), obj.Data)

	keys, err := store.List(ctx, "docs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/readme.md"}, keys)
}

func TestS3StoreGetNotFound(t *testing.T) {
	store, _ := newFakeS3Store()

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))
}

func TestS3StoreDelete(t *testing.T) {
	store, fake := newFakeS3Store()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tmp/x", []byte("x"), "text/plain"))
	require.NoError(t, store.Delete(ctx, "tmp/x"))
	assert.Equal(t, []string{"tmp/x"}, fake.deleted)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a/1", []byte("one"), "text/plain"))
	require.NoError(t, store.Put(ctx, "a/2", []byte("two"), "text/plain"))
	require.NoError(t, store.Put(ctx, "b/1", []byte("three"), "text/plain"))

	obj, err := store.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), obj.Data)

	keys, err := store.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)

	require.NoError(t, store.Delete(ctx, "a/1"))
	_, err = store.Get(ctx, "a/1")
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))
	err = store.Delete(ctx, "a/1")
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))
}
