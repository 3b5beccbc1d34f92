package runtime

import (
	"embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-predict/internal/capability"
	"github.com/loqalabs/loqa-predict/internal/pipeline"
)

//go:embed web/index.html
var webFS embed.FS

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	maxBodyBytes        = 4 << 10
)

type textRequest struct {
	Text string `json:"text"`
}

type modelView struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	R2        float64 `json:"r2"`
	Samples   int     `json:"samples"`
}

type stateView struct {
	State     string    `json:"state"`
	Model     modelView `json:"model"`
	Bus       bool      `json:"bus"`
	WSClients int       `json:"ws_clients"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", r.handleIndex)
	mux.HandleFunc("POST /api/predict/voice", r.handlePredictVoice)
	mux.HandleFunc("POST /api/predict/text", r.handlePredictText)
	mux.HandleFunc("GET /api/state", r.handleState)
	mux.HandleFunc("GET /api/history", r.handleHistory)
	mux.HandleFunc("GET /api/history/{id}", r.handleOutcome)
	mux.HandleFunc("GET /api/nodes", r.handleNodes)
	mux.Handle("GET /ws/events", r.hub)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleIndex(w http.ResponseWriter, _ *http.Request) {
	page, err := webFS.ReadFile("web/index.html")
	if err != nil {
		http.Error(w, "ui unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (r *Runtime) handlePredictVoice(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.pipeline.PredictFromVoice(req.Context()))
}

func (r *Runtime) handlePredictText(w http.ResponseWriter, req *http.Request) {
	text, err := readText(w, req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, r.pipeline.PredictFromText(req.Context(), text))
}

// readText accepts {"text": "..."} or a form field named text.
func readText(w http.ResponseWriter, req *http.Request) (string, error) {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body textRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			if errors.Is(err, io.EOF) {
				return "", errors.New("empty request body")
			}
			return "", errors.New("malformed json body")
		}
		return body.Text, nil
	}
	if err := req.ParseForm(); err != nil {
		return "", errors.New("malformed form body")
	}
	return req.PostFormValue("text"), nil
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stateView{
		State: r.pipeline.State(),
		Model: modelView{
			Slope:     r.model.Slope,
			Intercept: r.model.Intercept,
			R2:        r.model.R2,
			Samples:   r.model.N,
		},
		Bus:       r.busClient.Healthy(),
		WSClients: r.hub.Clients(),
	})
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, maxHistoryLimit)
		}
	}
	outcomes, err := r.store.RecentOutcomes(req.Context(), limit)
	if err != nil {
		r.logger.Error("history query failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	if outcomes == nil {
		outcomes = []pipeline.Outcome{}
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (r *Runtime) handleOutcome(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	out, ok, err := r.store.Outcome(req.Context(), id)
	if err != nil {
		r.logger.Error("outcome lookup failed", slog.String("id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "outcome not found"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []capability.NodeInfo{}
	if r.registry != nil {
		nodes = r.registry.Nodes(nil)
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
