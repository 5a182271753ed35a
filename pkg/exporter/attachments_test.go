package exporter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-sh/beacon/pkg/signal"
	"github.com/beacon-sh/beacon/pkg/store"
)

type uploadRecord struct {
	path        string
	contentType string
	headers     http.Header
}

func newUploadServer(t *testing.T, status int) (*httptest.Server, func() []uploadRecord) {
	var mu sync.Mutex
	var uploads []uploadRecord

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		mu.Lock()
		uploads = append(uploads, uploadRecord{
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			headers:     r.Header.Clone(),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	return server, func() []uploadRecord {
		mu.Lock()
		defer mu.Unlock()
		return append([]uploadRecord(nil), uploads...)
	}
}

func newTestAttachmentExporter(t *testing.T, s store.Store) *AttachmentExporter {
	t.Helper()
	httpClient := NewHTTPClient(5*time.Second, nil)
	httpClient.retryDelay = time.Millisecond
	network := NewNetworkClient(httpClient, "http://unused", "test-key", nil)
	a := NewAttachmentExporter(s, network, nil, AttachmentExporterConfig{
		PageSize: 10,
	})
	a.sleep = func(ctx context.Context, d time.Duration) {}
	return a
}

func signedAttachment(t *testing.T, s store.Store, id, name string, attType signal.AttachmentType, url string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InsertAttachment(ctx, &signal.Attachment{
		ID:        id,
		SessionID: "sess",
		Name:      name,
		Type:      attType,
		Bytes:     []byte("bytes-" + id),
	}))
	require.NoError(t, s.UpdateAttachmentURLs(ctx, []signal.SignedAttachment{{
		ID:        id,
		UploadURL: url,
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		Headers:   map[string]string{"x-amz-acl": "private"},
	}}))
}

func TestAttachmentUploadSuccessDeletesLocally(t *testing.T) {
	s := newTestStore(t)
	server, uploads := newUploadServer(t, http.StatusOK)
	signedAttachment(t, s, "att-1", "shot.png", signal.AttachmentScreenshot, server.URL+"/att-1")

	a := newTestAttachmentExporter(t, s)
	a.exportPass(context.Background())

	got := uploads()
	require.Len(t, got, 1)
	assert.Equal(t, "/att-1", got[0].path)
	assert.Equal(t, "image/png", got[0].contentType)
	assert.Equal(t, "private", got[0].headers.Get("x-amz-acl"), "server-issued headers forwarded")

	pending, err := s.AttachmentsToUpload(context.Background(), 10, time.Now().UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, pending, "uploaded attachment deleted locally")
}

func TestAttachmentUploadContentTypes(t *testing.T) {
	s := newTestStore(t)
	server, uploads := newUploadServer(t, http.StatusOK)

	signedAttachment(t, s, "a-jpeg", "shot.jpeg", signal.AttachmentScreenshot, server.URL+"/a-jpeg")
	signedAttachment(t, s, "a-webp", "shot.webp", signal.AttachmentScreenshot, server.URL+"/a-webp")
	signedAttachment(t, s, "a-svg", "layout.svg", signal.AttachmentLayoutSnapshot, server.URL+"/a-svg")

	a := newTestAttachmentExporter(t, s)
	a.exportPass(context.Background())

	got := uploads()
	require.Len(t, got, 3)
	types := map[string]string{}
	for _, u := range got {
		types[u.path] = u.contentType
	}
	assert.Equal(t, "image/jpeg", types["/a-jpeg"])
	assert.Equal(t, "image/webp", types["/a-webp"])
	assert.Equal(t, "image/svg+xml", types["/a-svg"], "layout snapshots are svg regardless of extension")
}

func TestAttachmentUploadServerErrorStopsPassAndRetains(t *testing.T) {
	s := newTestStore(t)
	server, uploads := newUploadServer(t, http.StatusInternalServerError)
	signedAttachment(t, s, "att-1", "a.png", signal.AttachmentScreenshot, server.URL+"/att-1")
	signedAttachment(t, s, "att-2", "b.png", signal.AttachmentScreenshot, server.URL+"/att-2")

	a := newTestAttachmentExporter(t, s)
	a.exportPass(context.Background())

	assert.Len(t, uploads(), 1, "pass stops at the first failure")
	pending, err := s.AttachmentsToUpload(context.Background(), 10, time.Now().UnixMilli())
	require.NoError(t, err)
	assert.Len(t, pending, 2, "nothing deleted on a transient failure")
}

func TestAttachmentUploadClientErrorDeletesAndStops(t *testing.T) {
	s := newTestStore(t)
	server, uploads := newUploadServer(t, http.StatusForbidden)
	signedAttachment(t, s, "att-1", "a.png", signal.AttachmentScreenshot, server.URL+"/att-1")
	signedAttachment(t, s, "att-2", "b.png", signal.AttachmentScreenshot, server.URL+"/att-2")

	a := newTestAttachmentExporter(t, s)
	a.exportPass(context.Background())

	assert.Len(t, uploads(), 1)
	pending, err := s.AttachmentsToUpload(context.Background(), 10, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Len(t, pending, 1, "rejected attachment deleted, the other retained")
	assert.Equal(t, "att-2", pending[0].ID)
}

func TestAttachmentExporterKickTriggersPass(t *testing.T) {
	s := newTestStore(t)
	server, uploads := newUploadServer(t, http.StatusOK)
	signedAttachment(t, s, "att-1", "a.png", signal.AttachmentScreenshot, server.URL+"/att-1")

	a := newTestAttachmentExporter(t, s)
	a.pollInterval = time.Hour
	a.Enable()
	defer a.Disable()

	a.OnNewAttachmentsAvailable()
	waitFor(t, func() bool { return len(uploads()) == 1 }, "expected kicked upload")
}
