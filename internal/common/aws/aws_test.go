package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"entitlement-delivery/internal/blob"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Fakes
// ==========================

type fakeS3 struct {
	out *s3.HeadObjectOutput
	err error
	key string
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.key = awssdk.ToString(in.Key)
	return f.out, f.err
}

type fakePresigner struct {
	in      *s3.GetObjectInput
	expires time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	f.in = in
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &PresignedRequest{URL: "https://bucket.s3.amazonaws.com/" + awssdk.ToString(in.Key) + "?X-Amz-Signature=x"}, nil
}

type fakeSES struct {
	in *ses.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.in = in
	return &ses.SendEmailOutput{MessageId: awssdk.String("ses-1")}, nil
}

type fakeSNS struct {
	in *sns.PublishInput
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.in = in
	return &sns.PublishOutput{MessageId: awssdk.String("sns-1")}, nil
}

// ==========================
// S3 Blob Store Tests
// ==========================

func TestS3BlobStore_Metadata(t *testing.T) {
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	api := &fakeS3{out: &s3.HeadObjectOutput{
		ContentLength: awssdk.Int64(2048),
		ContentType:   awssdk.String("application/zip"),
		LastModified:  &modified,
	}}
	store := NewS3BlobStoreFromAPI(api, &fakePresigner{}, "assets", "/deliverables/")

	md, err := store.Metadata(context.Background(), "P1/file.zip")
	require.NoError(t, err)
	assert.Equal(t, "deliverables/P1/file.zip", api.key)
	assert.Equal(t, int64(2048), md.Size)
	assert.Equal(t, "application/zip", md.ContentType)
	assert.True(t, md.LastModified.Equal(modified))
}

func TestS3BlobStore_DefaultContentType(t *testing.T) {
	api := &fakeS3{out: &s3.HeadObjectOutput{ContentLength: awssdk.Int64(1)}}
	md, err := NewS3BlobStoreFromAPI(api, &fakePresigner{}, "assets", "").Metadata(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", md.ContentType)
	assert.Equal(t, "k", api.key)
}

func TestS3BlobStore_NotFound(t *testing.T) {
	for _, apiErr := range []error{&types.NotFound{}, &types.NoSuchKey{}} {
		store := NewS3BlobStoreFromAPI(&fakeS3{err: apiErr}, &fakePresigner{}, "assets", "")

		_, err := store.Metadata(context.Background(), "missing")
		assert.ErrorIs(t, err, blob.ErrNotFound)

		ok, err := store.Exists(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestS3BlobStore_TransientFailure(t *testing.T) {
	store := NewS3BlobStoreFromAPI(&fakeS3{err: errors.New("dial tcp: i/o timeout")}, &fakePresigner{}, "assets", "")

	_, err := store.Metadata(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, blob.ErrNotFound)

	_, err = store.Exists(context.Background(), "k")
	assert.Error(t, err)
}

func TestS3BlobStore_SignedURL(t *testing.T) {
	presigner := &fakePresigner{}
	store := NewS3BlobStoreFromAPI(&fakeS3{}, presigner, "assets", "files")

	url, err := store.SignedURL(context.Background(), "P1/cover art.png", 45*time.Second, blob.Inline)
	require.NoError(t, err)
	assert.Contains(t, url, "files/P1/cover art.png")
	assert.Equal(t, "assets", awssdk.ToString(presigner.in.Bucket))
	assert.Equal(t, `inline; filename="cover art.png"`, awssdk.ToString(presigner.in.ResponseContentDisposition))
	assert.Equal(t, 45*time.Second, presigner.expires)
}

// ==========================
// SES / SNS Tests
// ==========================

func TestSESClient_SendText(t *testing.T) {
	api := &fakeSES{}
	id, err := NewSESClientFromAPI(api, "noreply@example.test").SendText(context.Background(), "review@example.test", "subj", "body")
	require.NoError(t, err)
	assert.Equal(t, "ses-1", id)
	assert.Equal(t, "noreply@example.test", awssdk.ToString(api.in.Source))
	assert.Equal(t, []string{"review@example.test"}, api.in.Destination.ToAddresses)
	assert.Equal(t, "body", awssdk.ToString(api.in.Message.Body.Text.Data))
}

func TestSNSClient_PublishJSON(t *testing.T) {
	api := &fakeSNS{}
	id, err := NewSNSClientFromAPI(api, "arn:aws:sns:us-east-1:123:passes").
		PublishJSON(context.Background(), "pass.expired", map[string]string{"passId": "pass-1"})
	require.NoError(t, err)
	assert.Equal(t, "sns-1", id)
	assert.Equal(t, `{"passId":"pass-1"}`, awssdk.ToString(api.in.Message))
	assert.Equal(t, "pass.expired", awssdk.ToString(api.in.MessageAttributes["eventType"].StringValue))
}
