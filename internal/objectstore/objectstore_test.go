package objectstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcam/go-capture-node/internal/delivery"
	"fieldcam/go-capture-node/internal/model"
)

func object(key, body string) delivery.Object {
	sum := sha256.Sum256([]byte(body))
	return delivery.Object{Bucket: "cam", Key: key, Body: []byte(body), SHA256: sum[:], ContentType: "image/jpeg"}
}

func TestDirStore_Upload(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	creds, err := store.AssumeRole(context.Background())
	require.NoError(t, err)
	assert.True(t, creds.ValidAt(time.Now(), time.Hour))

	obj := object("images/20240621_120000_a.jpg", "frame")
	require.NoError(t, store.Upload(context.Background(), creds, obj))
	// Idempotent overwrite.
	require.NoError(t, store.Upload(context.Background(), creds, obj))

	path, err := store.Path(obj.Bucket, obj.Key)
	require.NoError(t, err)
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(body))
}

func TestDirStore_RejectsBadInput(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	creds, err := store.AssumeRole(context.Background())
	require.NoError(t, err)

	err = store.Upload(context.Background(), delivery.Credentials{}, object("k", "x"))
	assert.ErrorIs(t, err, model.ErrAuth)

	corrupt := object("k", "x")
	corrupt.Body = []byte("y")
	assert.ErrorIs(t, store.Upload(context.Background(), creds, corrupt), model.ErrNetwork)

	assert.ErrorIs(t, store.Upload(context.Background(), creds, object("../../etc/passwd", "x")), model.ErrValidation)
}

func TestClassify(t *testing.T) {
	denied := &smithy.GenericAPIError{Code: "AccessDenied", Message: "nope"}
	assert.ErrorIs(t, classify("put", denied), model.ErrAuth)
	assert.ErrorIs(t, classify("put", fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "ExpiredToken"})), model.ErrAuth)

	slow := &smithy.GenericAPIError{Code: "SlowDown"}
	assert.ErrorIs(t, classify("put", slow), model.ErrNetwork)
	assert.ErrorIs(t, classify("put", errors.New("dial tcp: connection refused")), model.ErrNetwork)
	assert.ErrorIs(t, classify("put", context.Canceled), context.Canceled)
}

const assumeRoleResponse = `<AssumeRoleResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <AssumeRoleResult>
    <Credentials>
      <AccessKeyId>ASIATEST</AccessKeyId>
      <SecretAccessKey>secret</SecretAccessKey>
      <SessionToken>session</SessionToken>
      <Expiration>2030-01-01T00:00:00Z</Expiration>
    </Credentials>
    <AssumedRoleUser>
      <Arn>arn:aws:sts::123456789012:assumed-role/uploader/fieldcam</Arn>
      <AssumedRoleId>AROATEST:fieldcam</AssumedRoleId>
    </AssumedRoleUser>
  </AssumeRoleResult>
  <ResponseMetadata><RequestId>req-1</RequestId></ResponseMetadata>
</AssumeRoleResponse>`

type fakeAWS struct {
	mu      sync.Mutex
	puts    []*http.Request
	bodies  []string
	forms   []url.Values
	putCode int
}

func (f *fakeAWS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		_ = r.ParseForm()
		f.forms = append(f.forms, r.PostForm)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, assumeRoleResponse)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.puts = append(f.puts, r)
		f.bodies = append(f.bodies, string(body))
		if f.putCode != 0 {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(f.putCode)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
			return
		}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newS3Store(t *testing.T, endpoint string) *S3Store {
	t.Helper()
	store, err := NewS3Store(context.Background(), S3Config{
		Region:          "eu-west-2",
		Bucket:          "cam",
		RoleARN:         "arn:aws:iam::123456789012:role/uploader",
		AccessKeyID:     "AKIATEST",
		SecretAccessKey: "long-lived",
		SessionName:     "fieldcam-test",
		SessionDuration: time.Hour,
		Endpoint:        endpoint,
		HTTPTimeout:     5 * time.Second,
	})
	require.NoError(t, err)
	return store
}

func TestS3Store_AssumeRoleAndUpload(t *testing.T) {
	fake := &fakeAWS{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	store := newS3Store(t, srv.URL)

	creds, err := store.AssumeRole(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ASIATEST", creds.AccessKeyID)
	assert.Equal(t, "session", creds.SessionToken)
	assert.True(t, creds.Expires.Equal(time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)))

	require.Len(t, fake.forms, 1)
	assert.Equal(t, "AssumeRole", fake.forms[0].Get("Action"))
	assert.Equal(t, "3600", fake.forms[0].Get("DurationSeconds"))
	assert.Equal(t, "fieldcam-test", fake.forms[0].Get("RoleSessionName"))

	require.NoError(t, store.Upload(context.Background(), creds, object("images/a.jpg", "frame")))
	require.Len(t, fake.puts, 1)
	put := fake.puts[0]
	assert.Equal(t, "/cam/images/a.jpg", put.URL.Path)
	assert.Equal(t, "STANDARD", put.Header.Get("X-Amz-Storage-Class"))
	assert.True(t, put.Header.Get("X-Amz-Checksum-Sha256") != "" ||
		strings.Contains(strings.ToLower(put.Header.Get("X-Amz-Trailer")), "sha256"))
	assert.Equal(t, "session", put.Header.Get("X-Amz-Security-Token"))
	assert.True(t, strings.Contains(put.Header.Get("Authorization"), "ASIATEST"))
	assert.Contains(t, fake.bodies[0], "frame")
}

func TestS3Store_UploadDenied(t *testing.T) {
	fake := &fakeAWS{putCode: http.StatusForbidden}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	store := newS3Store(t, srv.URL)

	creds := delivery.Credentials{AccessKeyID: "ASIATEST", SecretAccessKey: "s", SessionToken: "t", Expires: time.Now().Add(time.Hour)}
	err := store.Upload(context.Background(), creds, object("images/a.jpg", "frame"))
	assert.ErrorIs(t, err, model.ErrAuth)
}

func TestS3Store_UnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()
	store := newS3Store(t, endpoint)

	_, err := store.AssumeRole(context.Background())
	assert.ErrorIs(t, err, model.ErrNetwork)
}
