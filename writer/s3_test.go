package writer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "klineflow/config"
)

func TestUploadFile(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodPut {
			path = r.URL.Path
			body, _ = io.ReadAll(r.Body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	root := t.TempDir()
	file := filepath.Join(root, "diy", "k.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.NoError(t, os.WriteFile(file, []byte("openTime\n"), 0o644))

	u, err := NewUploader(context.Background(), appconfig.S3Config{
		Bucket:          "test-bucket",
		Prefix:          "/runs/",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		PathStyle:       true,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	}, "test")
	require.NoError(t, err)
	require.NoError(t, u.UploadFile(context.Background(), root, file))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/test-bucket/runs/diy/k.csv", path)
	assert.Contains(t, string(body), "openTime")
}
