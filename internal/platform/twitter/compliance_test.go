package twitter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/postsync/internal/compliance"
	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
)

// newComplianceServer は作成、アップロード、状態取得、ダウンロードを模したサーバーを返す。
func newComplianceServer(t *testing.T, status string, uploaded *string) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/2/compliance/jobs":
			w.Write([]byte(`{"data":{"id":"job-1","status":"created","upload_url":"` + server.URL + `/upload","download_url":"` + server.URL + `/download"}}`))
		case r.Method == http.MethodPut && r.URL.Path == "/upload":
			if r.Header.Get("Authorization") != "" {
				t.Error("アップロードに認証ヘッダを付けてはならない")
			}
			body, _ := io.ReadAll(r.Body)
			*uploaded = string(body)
		case r.Method == http.MethodGet && r.URL.Path == "/2/compliance/jobs/job-1":
			w.Write([]byte(`{"data":{"id":"job-1","status":"` + status + `","download_url":"` + server.URL + `/download"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/download":
			w.Write([]byte("{\"id\":\"1\",\"action\":\"delete\",\"reason\":\"deleted\"}\n\n{\"id\":\"2\",\"action\":\"delete\",\"reason\":\"protected\"}\n"))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return server
}

func newTestEndpoint(server *httptest.Server) *ComplianceEndpoint {
	var buf bytes.Buffer
	return NewComplianceEndpoint(server.Client(), newTestLogger(&buf), Config{
		BaseURL: server.URL, BearerToken: "app-token", RatePerMinute: 6000,
	})
}

func TestComplianceEndpoint_Submit(t *testing.T) {
	var uploaded string
	server := newComplianceServer(t, "in_progress", &uploaded)
	defer server.Close()

	handle, err := newTestEndpoint(server).Submit(context.Background(), compliance.SubmitRequest{
		Type: model.ComplianceJobTypePosts,
		Name: "audit",
		IDs:  strings.NewReader("1\n2\n"),
	})
	if err != nil {
		t.Fatalf("Submit がエラーを返した: %v", err)
	}
	if handle != "job-1" {
		t.Errorf("handle = %s, want job-1", handle)
	}
	if uploaded != "1\n2\n" {
		t.Errorf("uploaded = %q", uploaded)
	}
}

func TestComplianceEndpoint_Submit_UnknownType(t *testing.T) {
	var uploaded string
	server := newComplianceServer(t, "in_progress", &uploaded)
	defer server.Close()

	_, err := newTestEndpoint(server).Submit(context.Background(), compliance.SubmitRequest{Type: "unknown", IDs: strings.NewReader("")})
	if err == nil {
		t.Fatal("未知のジョブ種別はエラーになるべき")
	}
}

func TestComplianceEndpoint_Status(t *testing.T) {
	tests := []struct {
		status string
		want   compliance.JobState
	}{
		{"created", compliance.JobStatePending},
		{"in_progress", compliance.JobStatePending},
		{"complete", compliance.JobStateComplete},
		{"expired", compliance.JobStateFailed},
		{"failed", compliance.JobStateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			var uploaded string
			server := newComplianceServer(t, tt.status, &uploaded)
			defer server.Close()

			got, err := newTestEndpoint(server).Status(context.Background(), "job-1")
			if err != nil {
				t.Fatalf("Status がエラーを返した: %v", err)
			}
			if got != tt.want {
				t.Errorf("Status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComplianceEndpoint_Results(t *testing.T) {
	var uploaded string
	server := newComplianceServer(t, "complete", &uploaded)
	defer server.Close()

	results, err := newTestEndpoint(server).Results(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Results がエラーを返した: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].ID != "1" || results[0].Action != compliance.ActionDelete || results[1].Reason != "protected" {
		t.Errorf("results = %+v", results)
	}
}

func TestComplianceEndpoint_Results_NotComplete(t *testing.T) {
	var uploaded string
	server := newComplianceServer(t, "in_progress", &uploaded)
	defer server.Close()

	if _, err := newTestEndpoint(server).Results(context.Background(), "job-1"); err == nil {
		t.Fatal("未完了ジョブの結果取得はエラーになるべき")
	}
}

func TestComplianceEndpoint_Results_DownloadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/download" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{"id":"job-1","status":"complete","download_url":"http://` + r.Host + `/download"}}`))
	}))
	defer server.Close()

	_, err := newTestEndpoint(server).Results(context.Background(), "job-1")
	var statusErr *platform.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusError(502) が返されるべき: %v", err)
	}
}
