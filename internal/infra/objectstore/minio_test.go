package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestPublicURL(t *testing.T) {
	tests := []struct {
		name     string
		useSSL   bool
		endpoint string
		want     string
	}{
		{"http", false, "localhost:9000", "http://localhost:9000/reports-bucket/reports/t1/r1.json"},
		{"https", true, "s3.example.com", "https://s3.example.com/reports-bucket/reports/t1/r1.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(Config{Endpoint: tt.endpoint, Bucket: "reports-bucket", UseSSL: tt.useSSL, AccessKey: "k", SecretKey: "s"})
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			if got := a.PublicURL(ObjectName("t1", "r1")); got != tt.want {
				t.Errorf("PublicURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPut_UploadsJSON(t *testing.T) {
	var (
		mu      sync.Mutex
		gotPath string
		gotBody string
		gotType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			gotPath, gotBody, gotType = r.URL.Path, string(body), r.Header.Get("Content-Type")
			mu.Unlock()
			w.Header().Set("ETag", `"abc"`)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoint := strings.TrimPrefix(srv.URL, "http://")
	a, err := New(Config{Endpoint: endpoint, Bucket: "archive", Region: "us-east-1", AccessKey: "k", SecretKey: "s"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	url, err := a.Put(context.Background(), "task-1", "rep-1", []byte(`{"damage_detected":false}`))
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if want := "http://" + endpoint + "/archive/reports/task-1/rep-1.json"; url != want {
		t.Errorf("url = %q, want %q", url, want)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/archive/reports/task-1/rep-1.json" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.Contains(gotBody, `"damage_detected":false`) {
		t.Errorf("body = %q", gotBody)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
}
