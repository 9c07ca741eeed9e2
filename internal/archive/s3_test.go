package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3ArchiverValidates(t *testing.T) {
	_, err := NewS3Archiver(Config{AccessKey: "a", SecretKey: "s"})
	assert.Error(t, err)

	_, err = NewS3Archiver(Config{Bucket: "b"})
	assert.Error(t, err)
}

func TestPublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"custom public url", Config{Bucket: "b", PublicURL: "https://cdn.example/"}, "https://cdn.example/b/exports/x.csv"},
		{"aws virtual hosted", Config{Bucket: "b", Region: "eu-west-1"}, "https://b.s3.eu-west-1.amazonaws.com/exports/x.csv"},
		{"aws dotted bucket", Config{Bucket: "b.c", Region: "eu-west-1"}, "https://s3.eu-west-1.amazonaws.com/b.c/exports/x.csv"},
		{"compatible path style", Config{Bucket: "b", Endpoint: "http://minio:9000", PathStyle: true}, "http://minio:9000/b/exports/x.csv"},
		{"compatible virtual hosted", Config{Bucket: "b", Endpoint: "https://objects.example"}, "https://b.objects.example/exports/x.csv"},
		{"bucket in endpoint", Config{Bucket: "b", Endpoint: "https://b.objects.example", PathStyle: true}, "https://objects.example/b/exports/x.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.AccessKey, tt.cfg.SecretKey = "a", "s"
			a, err := NewS3Archiver(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.PublicURL("exports/x.csv"))
		})
	}
}

func TestUploadPutsObject(t *testing.T) {
	var mu sync.Mutex
	var method, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		mu.Lock()
		method, path = r.Method, r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := NewS3Archiver(Config{
		Endpoint:  srv.URL,
		Bucket:    "exports",
		AccessKey: "a",
		SecretKey: "s",
		PathStyle: true,
	})
	require.NoError(t, err)

	url, err := a.Upload(context.Background(), "exports/history.json", []byte(`[]`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/exports/exports/history.json", url)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/exports/exports/history.json", path)
}
