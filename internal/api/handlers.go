package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report/ckl"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report/render"
	"github.com/PiotrMackowski/ClosedSTIG/internal/safexml"
	"github.com/PiotrMackowski/ClosedSTIG/internal/xccdf"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type handler struct {
	audits    *audit.Service
	library   *xccdf.Library
	extractor *xccdf.Extractor
	cfg       Config
}

// formFile reads the named part of a multipart upload. The whole body is
// capped at limit plus a margin for the other fields.
func (h *handler) formFile(w http.ResponseWriter, r *http.Request, field string, limit int64) (string, io.ReadCloser, error) {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: expected a multipart form", errBadRequest)
	}
	f, hdr, err := r.FormFile(field)
	if err != nil {
		return "", nil, fmt.Errorf("%w: missing %s", errBadRequest, field)
	}
	return filepath.Base(hdr.Filename), f, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	return nil
}

func (h *handler) analyze(w http.ResponseWriter, r *http.Request) {
	name, f, err := h.formFile(w, r, "config_file", h.cfg.MaxUploadSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	out, err := h.audits.AnalyzeUpload(r.Context(), audit.UploadRequest{
		Filename:    name,
		Content:     f,
		Platform:    r.FormValue("platform"),
		BenchmarkID: r.FormValue("benchmark_id"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (h *handler) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := h.audits.Targets(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if targets == nil {
		targets = []audit.Target{}
	}
	writeJSON(w, r, http.StatusOK, targets)
}

func (h *handler) createTarget(w http.ResponseWriter, r *http.Request) {
	var t audit.Target
	if err := decodeBody(r, &t); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := h.audits.CreateTarget(r.Context(), t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

func (h *handler) getTarget(w http.ResponseWriter, r *http.Request) {
	t, err := h.audits.Store().GetTarget(r.Context(), chi.URLParam(r, "targetID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

func (h *handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	targetID := chi.URLParam(r, "targetID")
	if _, err := h.audits.Store().GetTarget(ctx, targetID); err != nil {
		writeError(w, r, err)
		return
	}
	as, err := h.audits.Store().ListAssignments(ctx, targetID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if as == nil {
		as = []audit.Assignment{}
	}
	writeJSON(w, r, http.StatusOK, as)
}

func (h *handler) assign(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Enabled *bool `json:"enabled"`
	}{}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	a := audit.Assignment{
		TargetID:     chi.URLParam(r, "targetID"),
		DefinitionID: chi.URLParam(r, "definitionID"),
		Enabled:      body.Enabled == nil || *body.Enabled,
	}
	if err := h.audits.Assign(r.Context(), a); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

func (h *handler) listTargetAudits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	targetID := chi.URLParam(r, "targetID")
	if _, err := h.audits.Store().GetTarget(ctx, targetID); err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := h.audits.Store().ListJobs(ctx, targetID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []audit.Job{}
	}
	writeJSON(w, r, http.StatusOK, jobs)
}

func (h *handler) startAudit(w http.ResponseWriter, r *http.Request) {
	body := struct {
		DefinitionID string `json:"definition_id"`
		Name         string `json:"name"`
	}{}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := h.audits.StartAudit(r.Context(), audit.StartRequest{
		TargetID:     chi.URLParam(r, "targetID"),
		DefinitionID: body.DefinitionID,
		Name:         body.Name,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, job)
}

func (h *handler) startGroup(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Name string `json:"name"`
	}{}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.audits.StartGroup(r.Context(), audit.GroupRequest{
		TargetID: chi.URLParam(r, "targetID"),
		Name:     body.Name,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, view)
}

func (h *handler) analyzeTargetConfig(w http.ResponseWriter, r *http.Request) {
	name, f, err := h.formFile(w, r, "config_file", h.cfg.MaxUploadSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	job, summary, err := h.audits.AnalyzeTargetConfig(r.Context(), audit.TargetUploadRequest{
		TargetID:     chi.URLParam(r, "targetID"),
		DefinitionID: r.FormValue("definition_id"),
		Filename:     name,
		Content:      f,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, struct {
		Job     *audit.Job       `json:"job"`
		Summary *finding.Summary `json:"summary"`
	}{job, summary})
}

func (h *handler) listDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.audits.Definitions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if defs == nil {
		defs = []audit.Definition{}
	}
	writeJSON(w, r, http.StatusOK, defs)
}

func (h *handler) createDefinition(w http.ResponseWriter, r *http.Request) {
	var d audit.Definition
	if err := decodeBody(r, &d); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := h.audits.CreateDefinition(r.Context(), d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// importDefinition stores an uploaded XCCDF archive or document as a
// definition with its rules.
func (h *handler) importDefinition(w http.ResponseWriter, r *http.Request) {
	name, f, err := h.formFile(w, r, "benchmark_file", h.cfg.MaxBenchmarkSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	data, err := safexml.ReadLimited(f, h.cfg.MaxBenchmarkSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	extract := h.extractor.ExtractBytes
	if strings.EqualFold(filepath.Ext(name), ".zip") {
		extract = h.extractor.ExtractZipBytes
	}
	bench, ruleset, err := extract(data, name)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	def, err := h.audits.ImportDefinition(r.Context(), bench, ruleset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	loggerFrom(r.Context()).WithFields(logrus.Fields{
		"stig_id": def.STIGID,
		"rules":   len(ruleset),
	}).Info("Definition imported")
	writeJSON(w, r, http.StatusCreated, def)
}

func (h *handler) getAudit(w http.ResponseWriter, r *http.Request) {
	job, err := h.audits.Job(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

func (h *handler) cancelAudit(w http.ResponseWriter, r *http.Request) {
	job, err := h.audits.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

func (h *handler) auditResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var status finding.Status
	if s := q.Get("status"); s != "" {
		st, ok := finding.ParseStatus(s)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: unknown status %q", errBadRequest, s))
			return
		}
		status = st
	}
	var severity finding.Severity
	if s := q.Get("severity"); s != "" {
		sev := finding.Severity(strings.ToLower(s))
		if sev != finding.High && sev != finding.Medium && sev != finding.Low {
			writeError(w, r, fmt.Errorf("%w: unknown severity %q", errBadRequest, s))
			return
		}
		severity = sev
	}

	results, err := h.audits.Results(r.Context(), chi.URLParam(r, "jobID"), status, severity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if results == nil {
		results = []finding.Result{}
	}
	writeJSON(w, r, http.StatusOK, results)
}

func (h *handler) auditSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.audits.Summary(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

func (h *handler) auditReport(w http.ResponseWriter, r *http.Request) {
	format, err := render.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	jobID := chi.URLParam(r, "jobID")
	doc, err := report.Build(r.Context(), h.audits, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := render.Write(&buf, format, doc); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="stig_report_%s%s"`, jobID, format.Extension()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		loggerFrom(r.Context()).WithError(err).Warn("Failed to write report")
	}
}

func (h *handler) addComment(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Comment string `json:"comment"`
	}{}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.audits.AddComment(r.Context(), chi.URLParam(r, "resultID"), body.Comment); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getGroup(w http.ResponseWriter, r *http.Request) {
	view, err := h.audits.GroupView(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

func (h *handler) groupSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.audits.GroupSummary(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

func (h *handler) listLibrary(w http.ResponseWriter, r *http.Request) {
	if h.library == nil {
		writeJSON(w, r, http.StatusOK, []xccdf.Benchmark{})
		return
	}
	if p := r.URL.Query().Get("platform"); p != "" {
		platform, err := parser.ParsePlatform(p)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
		out := h.library.ForPlatform(platform)
		if out == nil {
			out = []xccdf.Benchmark{}
		}
		writeJSON(w, r, http.StatusOK, out)
		return
	}
	writeJSON(w, r, http.StatusOK, h.library.Catalog())
}

func (h *handler) libraryRules(w http.ResponseWriter, r *http.Request) {
	if h.library == nil {
		writeError(w, r, xccdf.ErrUnknownBenchmark)
		return
	}
	rs, err := h.library.GetOrLoad(chi.URLParam(r, "benchmarkID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rs)
}

func (h *handler) rescanLibrary(w http.ResponseWriter, r *http.Request) {
	if h.library == nil {
		writeError(w, r, fmt.Errorf("%w: no library configured", errBadRequest))
		return
	}
	if err := h.library.Rescan(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	catalog := h.library.Catalog()
	writeJSON(w, r, http.StatusOK, struct {
		Benchmarks int               `json:"benchmarks"`
		Catalog    []xccdf.Benchmark `json:"catalog"`
	}{len(catalog), catalog})
}

func (h *handler) importCKL(w http.ResponseWriter, r *http.Request) {
	_, f, err := h.formFile(w, r, "ckl_file", h.cfg.MaxCKLSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	imported, err := ckl.Import(f, h.cfg.MaxCKLSize)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	writeJSON(w, r, http.StatusOK, imported)
}
