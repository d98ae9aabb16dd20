package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exportcore/internal/blob/core"
)

// fakeS3 answers the subset of the S3 REST API the store uses. Listing pages
// one key at a time so continuation tokens are exercised.
type fakeS3 struct {
	mu    sync.Mutex
	state map[string]stored
}

type stored struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

func empty(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}
}

func (m *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return m.list(req), nil
	}
	switch req.Method {
	case http.MethodHead, http.MethodGet:
		st, ok := m.state[key]
		if !ok {
			return empty(http.StatusNotFound), nil
		}
		h := http.Header{
			"Content-Length": {strconv.Itoa(len(st.body))},
			"Content-Type":   {st.contentType},
			"Etag":           {`"etag-` + key + `"`},
			"Last-Modified":  {time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat)},
		}
		for k, v := range st.metadata {
			h.Set("X-Amz-Meta-"+k, v)
		}
		body := st.body
		if req.Method == http.MethodHead {
			body = nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: h}, nil
	case http.MethodPut:
		if _, exists := m.state[key]; exists && req.Header.Get("If-None-Match") == "*" {
			return empty(http.StatusPreconditionFailed), nil
		}
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		md := map[string]string{}
		for k, v := range req.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") {
				md[strings.ToLower(strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-"))] = v[0]
			}
		}
		m.state[key] = stored{body: body, contentType: req.Header.Get("Content-Type"), metadata: md}
		resp := empty(http.StatusOK)
		resp.Header.Set("Etag", `"etag"`)
		return resp, nil
	case http.MethodDelete:
		delete(m.state, key)
		return empty(http.StatusNoContent), nil
	}
	return empty(http.StatusNotImplemented), nil
}

func (m *fakeS3) list(req *http.Request) *http.Response {
	prefix := req.URL.Query().Get("prefix")
	after := req.URL.Query().Get("continuation-token")
	var keys []string
	for k := range m.state {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><ListBucketResult>`)
	if len(keys) > 1 {
		fmt.Fprintf(&b, "<IsTruncated>true</IsTruncated><NextContinuationToken>%s</NextContinuationToken>", keys[0])
		keys = keys[:1]
	} else {
		b.WriteString("<IsTruncated>false</IsTruncated>")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>",
			k, len(m.state[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(b.String())),
		Header:     http.Header{"Content-Type": {"application/xml"}},
	}
}

// decodeChunked unwraps a single-chunk aws-chunked payload.
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	n, err := strconv.ParseInt(strings.SplitN(parts[0], ";", 2)[0], 16, 64)
	if err != nil || n <= 0 || int64(len(parts[1])) != n || !strings.HasPrefix(parts[2], "0") {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newFakeStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{state: make(map[string]stored)}
	store, err := New(context.Background(), Config{
		Bucket:          "traceability",
		Endpoint:        "https://fake.s3.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: fake},
	})
	require.NoError(t, err)
	return store, fake
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store, fake := newFakeStore(t)
	assert.Equal(t, core.DriverS3, store.Driver())

	info, err := store.Put(ctx, "traceability/c-1/s-1.json", bytes.NewReader([]byte(`{"a":1}`)), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"shipment_number": "S-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "traceability/c-1/s-1.json", info.Key)
	assert.Equal(t, "application/json", info.ContentType)
	assert.Equal(t, int64(7), info.Size)
	assert.Equal(t, "etag-traceability/c-1/s-1.json", info.ETag)
	assert.Equal(t, `{"a":1}`, string(fake.state["traceability/c-1/s-1.json"].body))

	_, err = store.Put(ctx, "traceability/c-1/s-1.json", bytes.NewReader([]byte(`{}`)), core.PutOptions{})
	require.ErrorIs(t, err, core.ErrExists)

	_, rc, err := store.Get(ctx, "traceability/c-1/s-1.json")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, `{"a":1}`, string(body))

	for _, k := range []string{"traceability/c-1/s-2.json", "traceability/c-1/s-3.json", "traceability/c-2/s-4.json"} {
		_, err := store.Put(ctx, k, bytes.NewReader([]byte(`{}`)), core.PutOptions{})
		require.NoError(t, err)
	}
	list, err := store.List(ctx, "traceability/c-1/")
	require.NoError(t, err)
	keys := make([]string, 0, len(list))
	for _, i := range list {
		keys = append(keys, i.Key)
	}
	assert.Equal(t, []string{"traceability/c-1/s-1.json", "traceability/c-1/s-2.json", "traceability/c-1/s-3.json"}, keys)

	existed, err := store.Delete(ctx, "traceability/c-2/s-4.json")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = store.Delete(ctx, "traceability/c-2/s-4.json")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestStoreMissingKeys(t *testing.T) {
	ctx := context.Background()
	store, _ := newFakeStore(t)
	_, err := store.Head(ctx, "nope")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, _, err = store.Get(ctx, "nope")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	s, err := New(context.Background(), Config{Bucket: "b", AccessKeyID: "AKIA", SecretAccessKey: "SECRET"})
	require.NoError(t, err)
	assert.Equal(t, "b", s.bucket)
}

func TestObjectInfoTrimsETag(t *testing.T) {
	etag := `"abc"`
	info := objectInfo("k", 10, nil, &etag, nil, nil)
	assert.Equal(t, "abc", info.ETag)
	assert.Empty(t, info.ContentType)
	assert.False(t, info.LastModified.IsZero())
}
