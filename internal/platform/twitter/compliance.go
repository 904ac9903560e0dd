package twitter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/postsync/internal/compliance"
	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
)

// ComplianceEndpoint はX API v2のバッチコンプライアンスジョブを扱うcompliance.Endpoint実装。
// ジョブ作成後にアップロードURLへID一覧をPUTし、完了後にダウンロードURLから結果を取得する。
type ComplianceEndpoint struct {
	api *client
}

// NewComplianceEndpoint はComplianceEndpointを生成する。アプリケーション認証のみを使用する。
func NewComplianceEndpoint(httpClient *http.Client, logger *slog.Logger, cfg Config) *ComplianceEndpoint {
	return &ComplianceEndpoint{api: newClient(httpClient, logger, cfg)}
}

type complianceJob struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	UploadURL   string `json:"upload_url"`
	DownloadURL string `json:"download_url"`
}

type complianceJobResponse struct {
	Data   complianceJob `json:"data"`
	Errors []apiError    `json:"errors,omitempty"`
}

func jobType(t model.ComplianceJobType) (string, error) {
	switch t {
	case model.ComplianceJobTypePosts:
		return "tweets", nil
	case model.ComplianceJobTypeAccounts:
		return "users", nil
	default:
		return "", fmt.Errorf("unsupported compliance job type: %s", t)
	}
}

// Submit はジョブを作成してID一覧をアップロードし、ジョブIDをハンドルとして返す。
func (e *ComplianceEndpoint) Submit(ctx context.Context, req compliance.SubmitRequest) (string, error) {
	typ, err := jobType(req.Type)
	if err != nil {
		return "", err
	}

	var created complianceJobResponse
	body := map[string]string{"type": typ, "name": req.Name}
	if err := e.api.Do(ctx, http.MethodPost, e.api.baseURL+"/2/compliance/jobs", e.api.bearerToken, body, &created); err != nil {
		return "", err
	}
	if created.Data.ID == "" || created.Data.UploadURL == "" {
		if err := firstError(created.Errors); err != nil {
			return "", err
		}
		return "", &platform.MalformedError{Reason: "compliance job response without id or upload_url"}
	}

	if err := e.upload(ctx, created.Data.UploadURL, req.IDs); err != nil {
		return "", fmt.Errorf("failed to upload ids for job %s: %w", created.Data.ID, err)
	}

	e.api.Logger.Info("コンプライアンスジョブを投入しました",
		slog.String("job_handle", created.Data.ID),
		slog.String("job_type", typ),
		slog.String("job_name", req.Name),
	)
	return created.Data.ID, nil
}

// upload はID一覧（改行区切り）を署名付きURLへPUTする。認証ヘッダは付けない。
func (e *ComplianceEndpoint) upload(ctx context.Context, uploadURL string, ids io.Reader) error {
	return e.api.DoRaw(ctx, http.MethodPut, uploadURL, "", "text/plain", ids, func(r io.Reader) error {
		_, err := io.Copy(io.Discard, r)
		return err
	})
}

func (e *ComplianceEndpoint) getJob(ctx context.Context, handle string) (*complianceJob, error) {
	var resp complianceJobResponse
	reqURL := e.api.baseURL + "/2/compliance/jobs/" + url.PathEscape(handle)
	if err := e.api.Do(ctx, http.MethodGet, reqURL, e.api.bearerToken, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		if err := firstError(resp.Errors); err != nil {
			return nil, err
		}
		return nil, &platform.MalformedError{Reason: "compliance job response without id"}
	}
	return &resp.Data, nil
}

// Status はジョブの状態を返す。created/in_progressは保留中、expired/failedは失敗として扱う。
func (e *ComplianceEndpoint) Status(ctx context.Context, handle string) (compliance.JobState, error) {
	job, err := e.getJob(ctx, handle)
	if err != nil {
		return "", err
	}
	switch job.Status {
	case "complete":
		return compliance.JobStateComplete, nil
	case "expired", "failed":
		return compliance.JobStateFailed, nil
	default:
		return compliance.JobStatePending, nil
	}
}

// resultLine は結果ファイル（JSON Lines）の1行。
type resultLine struct {
	ID         string `json:"id"`
	Action     string `json:"action"`
	CreatedAt  string `json:"created_at"`
	RedactedAt string `json:"redacted_at"`
	Reason     string `json:"reason"`
}

// Results は完了したジョブの結果ファイルをダウンロードしてパースする。
func (e *ComplianceEndpoint) Results(ctx context.Context, handle string) ([]compliance.Result, error) {
	job, err := e.getJob(ctx, handle)
	if err != nil {
		return nil, err
	}
	if job.Status != "complete" || job.DownloadURL == "" {
		return nil, fmt.Errorf("compliance job %s is not complete (status: %s)", handle, job.Status)
	}

	var results []compliance.Result
	err = e.api.DoRaw(ctx, http.MethodGet, job.DownloadURL, "", "", nil, func(r io.Reader) error {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rl resultLine
			if err := json.Unmarshal(line, &rl); err != nil {
				return &platform.MalformedError{Reason: "compliance result line", Cause: err}
			}
			results = append(results, compliance.Result{ID: rl.ID, Action: rl.Action, Reason: rl.Reason})
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read compliance results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

var _ compliance.Endpoint = (*ComplianceEndpoint)(nil)
