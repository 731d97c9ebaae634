package document

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/findoc-analyzer/internal/analysis"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubAnalyzeService は検証済みハンドラーロジックを単体で試すためのスタブです。
type stubAnalyzeService struct {
	manifest   *JobManifest
	prepareErr error
	text       string
	extractErr error
	discarded  []string
}

func (s *stubAnalyzeService) PrepareAnalysisJob(ctx context.Context, file *multipart.FileHeader, query string) (*JobManifest, error) {
	if s.prepareErr != nil {
		return nil, s.prepareErr
	}
	m := *s.manifest
	m.Query = query
	return &m, nil
}

func (s *stubAnalyzeService) ExtractJobText(ctx context.Context, jobID string) (string, error) {
	if s.extractErr != nil {
		return "", s.extractErr
	}
	return s.text, nil
}

func (s *stubAnalyzeService) DiscardJob(jobID string) error {
	s.discarded = append(s.discarded, jobID)
	return nil
}

type stubAnalyzer struct {
	result string
	err    error
	calls  int
}

func (a *stubAnalyzer) Analyze(ctx context.Context, documentText, query string, report analysis.ProgressFunc) (string, error) {
	a.calls++
	if a.err != nil {
		return "", a.err
	}
	return a.result, nil
}

type stubScheduler struct {
	manifests []*JobManifest
	err       error
}

func (s *stubScheduler) Schedule(ctx context.Context, manifest *JobManifest) error {
	if s.err != nil {
		return s.err
	}
	s.manifests = append(s.manifests, manifest)
	return nil
}

func testManifest() *JobManifest {
	return &JobManifest{
		JobID: "job-test",
		Query: DefaultQuery,
		File: JobFile{
			StoredName:   "document.pdf",
			OriginalName: "report.pdf",
			Size:         512,
			Pages:        3,
		},
		CreatedAt: time.Now().UTC(),
	}
}

func newUploadRequest(t *testing.T, target, query string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "report.pdf")
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	if _, err := part.Write([]byte("%PDF-1.4 stub")); err != nil {
		t.Fatalf("writing part failed: %v", err)
	}
	if query != "" {
		if err := writer.WriteField("query", query); err != nil {
			t.Fatalf("WriteField failed: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("closing writer failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return body
}

func TestAnalyzeHandlerSuccess(t *testing.T) {
	svc := &stubAnalyzeService{manifest: testManifest(), text: "extracted text"}
	analyzer := &stubAnalyzer{result: "## Report\n\nLooks fine."}

	router := gin.New()
	router.POST("/api/analyze", AnalyzeHandler(svc, analyzer))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newUploadRequest(t, "/api/analyze", "Check the cash flow"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "success" {
		t.Errorf("status field = %v, want success", body["status"])
	}
	if body["analysis"] != "## Report\n\nLooks fine." {
		t.Errorf("analysis field = %v", body["analysis"])
	}
	if body["query"] != "Check the cash flow" {
		t.Errorf("query field = %v", body["query"])
	}
	if body["processingMode"] != "synchronous" {
		t.Errorf("processingMode = %v, want synchronous", body["processingMode"])
	}
	if analyzer.calls != 1 {
		t.Errorf("analyzer called %d times, want 1", analyzer.calls)
	}
	// 同期パスはレスポンス前にワークスペースを破棄する
	if len(svc.discarded) != 1 || svc.discarded[0] != "job-test" {
		t.Errorf("discarded = %v, want [job-test]", svc.discarded)
	}
}

func TestAnalyzeHandlerValidationErrors(t *testing.T) {
	cases := []struct {
		name       string
		prepareErr error
		wantStatus int
		wantCode   string
	}{
		{"empty file", &Error{Code: "EMPTY_FILE", Message: "empty"}, http.StatusBadRequest, "EMPTY_FILE"},
		{"too large", &Error{Code: "FILE_TOO_LARGE", Message: "big"}, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"},
		{"wrong format", &Error{Code: "UNSUPPORTED_FORMAT", Message: "txt"}, http.StatusBadRequest, "UNSUPPORTED_FORMAT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubAnalyzeService{manifest: testManifest(), prepareErr: tc.prepareErr}
			router := gin.New()
			router.POST("/api/analyze", AnalyzeHandler(svc, &stubAnalyzer{result: "x"}))

			w := httptest.NewRecorder()
			router.ServeHTTP(w, newUploadRequest(t, "/api/analyze", ""))

			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			if body := decodeBody(t, w); body["code"] != tc.wantCode {
				t.Errorf("code = %v, want %s", body["code"], tc.wantCode)
			}
		})
	}
}

func TestAnalyzeHandlerAnalysisErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"rate limited", &analysis.Error{Code: "RATE_LIMITED", Message: "slow down"}, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"auth failed", &analysis.Error{Code: "AUTH_FAILED", Message: "no key"}, http.StatusServiceUnavailable, "AUTH_FAILED"},
		{"analysis failed", &analysis.Error{Code: "ANALYSIS_FAILED", Message: "boom"}, http.StatusBadGateway, "ANALYSIS_FAILED"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubAnalyzeService{manifest: testManifest(), text: "doc"}
			router := gin.New()
			router.POST("/api/analyze", AnalyzeHandler(svc, &stubAnalyzer{err: tc.err}))

			w := httptest.NewRecorder()
			router.ServeHTTP(w, newUploadRequest(t, "/api/analyze", ""))

			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			if body := decodeBody(t, w); body["code"] != tc.wantCode {
				t.Errorf("code = %v, want %s", body["code"], tc.wantCode)
			}
			// 解析に失敗してもワークスペースは破棄される
			if len(svc.discarded) != 1 {
				t.Errorf("discarded = %v, want one entry", svc.discarded)
			}
		})
	}
}

func TestAnalyzeHandlerMissingFile(t *testing.T) {
	svc := &stubAnalyzeService{manifest: testManifest()}
	router := gin.New()
	router.POST("/api/analyze", AnalyzeHandler(svc, &stubAnalyzer{result: "x"}))

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("query", "no file attached"); err != nil {
		t.Fatalf("WriteField failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("closing writer failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if body := decodeBody(t, w); body["code"] != "INVALID_INPUT" {
		t.Errorf("code = %v, want INVALID_INPUT", body["code"])
	}
}

func TestAnalyzeAsyncHandlerAccepted(t *testing.T) {
	svc := &stubAnalyzeService{manifest: testManifest()}
	scheduler := &stubScheduler{}

	router := gin.New()
	router.POST("/api/analyze/async", AnalyzeAsyncHandler(svc, scheduler))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newUploadRequest(t, "/api/analyze/async", ""))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["jobId"] != "job-test" {
		t.Errorf("jobId = %v, want job-test", body["jobId"])
	}
	if body["status"] != "queued" {
		t.Errorf("status field = %v, want queued", body["status"])
	}
	if body["statusEndpoint"] != "/api/jobs/job-test" {
		t.Errorf("statusEndpoint = %v", body["statusEndpoint"])
	}
	if len(scheduler.manifests) != 1 {
		t.Fatalf("scheduler received %d manifests, want 1", len(scheduler.manifests))
	}
	// クエリ未指定はデフォルトに正規化されてからキューへ渡る
	if scheduler.manifests[0].Query != DefaultQuery {
		t.Errorf("scheduled query = %q, want default", scheduler.manifests[0].Query)
	}
	// 非同期パスではワークスペースはワーカーが片付ける
	if len(svc.discarded) != 0 {
		t.Errorf("discarded = %v, want none", svc.discarded)
	}
}

func TestAnalyzeAsyncHandlerScheduleFailure(t *testing.T) {
	svc := &stubAnalyzeService{manifest: testManifest()}
	scheduler := &stubScheduler{err: context.DeadlineExceeded}

	router := gin.New()
	router.POST("/api/analyze/async", AnalyzeAsyncHandler(svc, scheduler))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newUploadRequest(t, "/api/analyze/async", ""))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	// 投入に失敗したジョブのファイルは残さない
	if len(svc.discarded) != 1 || svc.discarded[0] != "job-test" {
		t.Errorf("discarded = %v, want [job-test]", svc.discarded)
	}
}
