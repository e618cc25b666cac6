package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/PiotrMackowski/ClosedSTIG/internal/analyzer"
	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/redhat"
	"github.com/PiotrMackowski/ClosedSTIG/internal/resolver"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/PiotrMackowski/ClosedSTIG/internal/store/sqlstore"
	"github.com/PiotrMackowski/ClosedSTIG/internal/upload"
	"github.com/PiotrMackowski/ClosedSTIG/internal/xccdf"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const redhatConfig = "PASS_MAX_DAYS=45\nSELINUX=enforcing\nProtocol 2\nPermitRootLogin no\n"

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, jobID)
	return nil
}

type fixture struct {
	svc     *audit.Service
	handler http.Handler
	target  *audit.Target
	def     *audit.Definition
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	dir := t.TempDir()

	store, err := sqlstore.Open(ctx, sqlstore.Options{Dialect: sqlstore.SQLite, Path: filepath.Join(dir, "stig.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	catalog, err := rules.Builtin()
	require.NoError(t, err)
	svc := audit.NewService(audit.Options{
		Store:      store,
		Analyzer:   analyzer.New(resolver.New(store, nil, catalog, logger), nil, 0, logger),
		Dispatcher: &recordingDispatcher{},
		Uploads:    upload.Policy{MaxSize: 256, Extensions: upload.DefaultExtensions},
		Logger:     logger,
	})

	path := filepath.Join(dir, "rhel.conf")
	require.NoError(t, os.WriteFile(path, []byte(redhatConfig), 0o600))
	target, err := svc.CreateTarget(ctx, audit.Target{Name: "web01", Platform: "redhat", ConfigPath: path})
	require.NoError(t, err)
	def, err := svc.CreateDefinition(ctx, audit.Definition{STIGID: "RHEL_9_STIG", Title: "RHEL 9"})
	require.NoError(t, err)

	libDir := filepath.Join(dir, "library")
	require.NoError(t, os.Mkdir(libDir, 0o755))
	lib := xccdf.NewLibrary(libDir, nil, logger)
	require.NoError(t, lib.Scan(ctx))

	srv := New(logger, Config{
		MaxUploadSize: 256,
		MaxCKLSize:    1 << 20,
		Dependencies:  Dependencies{Audits: svc, Library: lib},
	})
	return &fixture{svc: svc, handler: srv.Handler(), target: target, def: def}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) upload(t *testing.T, path, field, filename, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func (f *fixture) startAudit(t *testing.T) audit.Job {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/targets/"+f.target.ID+"/audits", map[string]string{"definition_id": f.def.ID})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[audit.Job](t, rec)
}

func TestAnalyze(t *testing.T) {
	f := newFixture(t)

	rec := f.upload(t, "/api/v1/analyze", "config_file", "rhel.conf", redhatConfig, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[audit.UploadAnalysis](t, rec)
	assert.Equal(t, "redhat", string(out.Platform))
	assert.Equal(t, 8, out.Summary.TotalChecks)
	assert.Equal(t, 50.0, out.Summary.ComplianceScore)
}

func TestAnalyzeRejectsUploads(t *testing.T) {
	tests := []struct {
		name       string
		filename   string
		content    string
		wantStatus int
		wantError  string
	}{
		{"extension", "config.exe", redhatConfig, http.StatusBadRequest, "file type"},
		{"too large", "big.conf", strings.Repeat("a", 512), http.StatusRequestEntityTooLarge, ""},
		{"not utf8", "bin.conf", "\xff\xfe\xfd", http.StatusBadRequest, ""},
		{"empty", "empty.conf", "", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			rec := f.upload(t, "/api/v1/analyze", "config_file", tt.filename, tt.content, nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decode[errorBody](t, rec)
			assert.NotEmpty(t, body.Error)
			if tt.wantError != "" {
				assert.Contains(t, strings.ToLower(body.Error), tt.wantError)
			}
		})
	}
}

func TestAnalyzeMissingFile(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/analyze", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTargetsAndDefinitions(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/targets", map[string]any{"name": "sw01", "platform": "arista_eos", "ip_address": "10.0.0.2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[audit.Target](t, rec)
	assert.True(t, created.IsActive)

	rec = f.do(t, http.MethodPost, "/api/v1/targets", map[string]any{"name": "x", "platform": "cisco", "ip_address": "10.0.0.3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/targets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]audit.Target](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/api/v1/targets/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/targets/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/definitions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]audit.Definition](t, rec), 1)

	rec = f.do(t, http.MethodPut, "/api/v1/targets/"+f.target.ID+"/assignments/"+f.def.ID, map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodGet, "/api/v1/targets/"+f.target.ID+"/assignments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]audit.Assignment](t, rec), 1)
}

func TestStartAndCancelAudit(t *testing.T) {
	f := newFixture(t)
	job := f.startAudit(t)
	assert.Equal(t, audit.JobPending, job.Status)

	rec := f.do(t, http.MethodGet, "/api/v1/audits/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/audits/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, audit.JobCancelled, decode[audit.Job](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/v1/audits/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/targets/"+f.target.ID+"/audits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]audit.Job](t, rec), 1)
}

func TestStartAuditValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/targets/"+f.target.ID+"/audits", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/targets/missing/audits", map[string]string{"definition_id": f.def.ID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", decode[errorBody](t, rec).Error)

	rec = f.do(t, http.MethodPost, "/api/v1/targets/"+f.target.ID+"/audits", map[string]string{"unexpected": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompletedAuditViews(t *testing.T) {
	// Given a job that ran to completion
	f := newFixture(t)
	job := f.startAudit(t)
	require.NoError(t, f.svc.Execute(context.Background(), job.ID))

	// When results are filtered to failures
	rec := f.do(t, http.MethodGet, "/api/v1/audits/"+job.ID+"/results?status=fail", nil)

	// Then only failures come back
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode[[]finding.Result](t, rec)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, finding.StatusFail, r.Status)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/audits/"+job.ID+"/results?severity=critical", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/audits/"+job.ID+"/results?status=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/audits/"+job.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[finding.Summary](t, rec)
	assert.Equal(t, 8, summary.TotalChecks)
	assert.Equal(t, 50.0, summary.ComplianceScore)

	rec = f.do(t, http.MethodPost, "/api/v1/results/"+results[0].ID+"/comments", map[string]string{"comment": "accepted risk"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/results/"+results[0].ID+"/comments", map[string]string{"comment": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditReport(t *testing.T) {
	f := newFixture(t)
	job := f.startAudit(t)
	require.NoError(t, f.svc.Execute(context.Background(), job.ID))

	tests := []struct {
		format      string
		contentType string
		prefix      string
	}{
		{"", "application/json", "{"},
		{"csv", "text/csv; charset=utf-8", "RuleID,"},
		{"html", "text/html; charset=utf-8", "<!DOCTYPE html>"},
		{"ckl", "application/xml", "<?xml"},
		{"pdf", "application/pdf", "%PDF-"},
	}
	for _, tt := range tests {
		t.Run("format "+tt.format, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/v1/audits/"+job.ID+"/report?format="+tt.format, nil)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Header().Get("Content-Disposition"), "stig_report_"+job.ID)
			assert.True(t, strings.HasPrefix(strings.TrimSpace(rec.Body.String()), tt.prefix))
		})
	}

	rec := f.do(t, http.MethodGet, "/api/v1/audits/"+job.ID+"/report?format=docx", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/audits/missing/report", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditGroup(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/targets/"+f.target.ID+"/audit-all", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no assignments yet")

	require.NoError(t, f.svc.Assign(context.Background(), audit.Assignment{TargetID: f.target.ID, DefinitionID: f.def.ID, Enabled: true}))
	rec = f.do(t, http.MethodPost, "/api/v1/targets/"+f.target.ID+"/audit-all", map[string]string{"name": "nightly"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	view := decode[audit.GroupView](t, rec)
	require.Len(t, view.Jobs, 1)
	require.NoError(t, f.svc.Execute(context.Background(), view.Jobs[0].ID))

	rec = f.do(t, http.MethodGet, "/api/v1/audit-groups/"+view.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, audit.JobCompleted, decode[audit.GroupView](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/v1/audit-groups/"+view.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	gs := decode[finding.GroupSummary](t, rec)
	assert.Equal(t, 1, gs.CompletedJobs)
	assert.Equal(t, 50.0, gs.ComplianceScore)

	rec = f.do(t, http.MethodGet, "/api/v1/audit-groups/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalyzeTargetConfig(t *testing.T) {
	f := newFixture(t)

	rec := f.upload(t, "/api/v1/targets/"+f.target.ID+"/analyze-config", "config_file", "running.conf", redhatConfig,
		map[string]string{"definition_id": f.def.ID})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[struct {
		Job     audit.Job       `json:"job"`
		Summary finding.Summary `json:"summary"`
	}](t, rec)
	assert.Equal(t, audit.JobCompleted, out.Job.Status)
	assert.Equal(t, "Config Analysis: web01 - running.conf", out.Job.Name)
	assert.Equal(t, 8, out.Summary.TotalChecks)
}

func TestLibrary(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/library", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/library?platform=redhat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/library?platform=cisco", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/library/RHEL_9_STIG/rules", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/library/rescan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"benchmarks":0`)
}

func TestImportCKL(t *testing.T) {
	f := newFixture(t)
	job := f.startAudit(t)
	require.NoError(t, f.svc.Execute(context.Background(), job.ID))
	rec := f.do(t, http.MethodGet, "/api/v1/audits/"+job.ID+"/report?format=ckl", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	checklist := rec.Body.String()

	rec = f.upload(t, "/api/v1/ckl/import", "ckl_file", "web01.ckl", checklist, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	imported := decode[struct {
		Vulns []struct {
			Status finding.Status `json:"status"`
		} `json:"vulns"`
	}](t, rec)
	assert.Len(t, imported.Vulns, 8)

	evil := `<?xml version="1.0"?><!DOCTYPE x [<!ENTITY a "b">]><CHECKLIST></CHECKLIST>`
	rec = f.upload(t, "/api/v1/ckl/import", "ckl_file", "evil.ckl", evil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "ENTITY")
}

func TestImportDefinitionRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	rec := f.upload(t, "/api/v1/definitions/import", "benchmark_file", "stig.zip", "not a zip", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"not found", fmt.Errorf("job x: %w", audit.ErrNotFound), http.StatusNotFound, "not found"},
		{"not cancellable", audit.ErrNotCancellable, http.StatusConflict, "audit job can no longer be cancelled"},
		{"upload too large", &upload.Error{Kind: upload.KindTooLarge, Message: "file too large"}, http.StatusRequestEntityTooLarge, "file too large"},
		{"upload extension", &upload.Error{Kind: upload.KindExtension, Message: "bad extension"}, http.StatusBadRequest, "bad extension"},
		{"max bytes", &http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge, "request body too large"},
		{"unknown benchmark", xccdf.ErrUnknownBenchmark, http.StatusNotFound, "not found"},
		{"driver error", errors.New("pq: relation /var/lib/db does not exist"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestWriteErrorLogsInternalCause(t *testing.T) {
	logger, hook := test.NewNullLogger()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	requestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errors.New("disk on fire"))
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
	require.NotEmpty(t, hook.AllEntries())
	assert.Equal(t, "Request failed", hook.AllEntries()[0].Message)
}
