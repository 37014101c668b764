package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clevertree/relay-sub003/internal/auth"
	"github.com/clevertree/relay-sub003/internal/capability"
	"github.com/clevertree/relay-sub003/internal/config"
	"github.com/clevertree/relay-sub003/internal/faults"
	"github.com/clevertree/relay-sub003/internal/gate"
	"github.com/clevertree/relay-sub003/internal/indexer"
	"github.com/clevertree/relay-sub003/internal/metrics"
	"github.com/clevertree/relay-sub003/internal/query"
	"github.com/clevertree/relay-sub003/internal/registry"
	"github.com/clevertree/relay-sub003/internal/resolve"
	"github.com/clevertree/relay-sub003/internal/rules"
	"github.com/clevertree/relay-sub003/internal/store"
)

// MethodQuery is the non-standard verb for structured reads. It is
// equivalent to a read: the query engine never mutates state.
const MethodQuery = "QUERY"

func init() {
	chi.RegisterMethod(MethodQuery)
}

// Server is the HTTP surface over the content and query cores.
type Server struct {
	settings   *config.Settings
	registry   *registry.Registry
	resolver   *resolve.Resolver
	loader     *rules.Loader
	gate       *gate.Gate
	engine     *query.Engine
	negotiator *capability.Negotiator
}

// NewServer wires the components over an already-bootstrapped registry.
func NewServer(settings *config.Settings, reg *registry.Registry, idx *indexer.Store) *Server {
	loader := rules.NewLoader()
	pipeline := indexer.NewPipeline(idx, settings.Repos.MaxFileSize)
	return &Server{
		settings:   settings,
		registry:   reg,
		resolver:   resolve.NewResolver(reg, &settings.Repos),
		loader:     loader,
		gate:       gate.NewGate(reg, loader, pipeline, &settings.Repos),
		engine:     query.NewEngine(idx, settings.Query),
		negotiator: capability.NewNegotiator(reg, loader),
	}
}

// Handler builds the route tree with auth and metrics applied.
func (s *Server) Handler() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(metrics.Middleware())

	r.Get("/-/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/-/metrics", promhttp.Handler())

	r.Post("/-/push", s.handlePush)
	r.Post("/-/query", s.handleQuery)
	r.MethodFunc(MethodQuery, "/*", s.handleQuery)

	r.MethodFunc(http.MethodOptions, "/*", s.handleCapabilities)
	r.Get("/*", s.handleRead)
	r.Head("/*", s.handleRead)

	authMiddleware, err := auth.NewMiddleware(s.settings.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth middleware: %w", err)
	}
	return authMiddleware(r), nil
}

// handleRead serves file content and directory listings.
func (s *Server) handleRead(w http.ResponseWriter, req *http.Request) {
	repo, branch, err := s.resolver.Resolve(resolve.SelectionFromRequest(req))
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), s.settings.Repos.IOTimeout)
	defer cancel()

	obj, err := resolve.ResolvePath(ctx, repo, branch, req.URL.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}

	switch obj.Kind {
	case resolve.KindFile:
		w.Header().Set("Content-Type", obj.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
		w.WriteHeader(http.StatusOK)
		if req.Method != http.MethodHead {
			_, _ = w.Write(obj.Content)
		}
	case resolve.KindListing:
		s.writeJSON(w, http.StatusOK, obj.Listing)
	case resolve.KindEmptyRoot:
		// The scope exists but has no commits yet.
		w.WriteHeader(http.StatusOK)
	}
}

// handleCapabilities serves discovery. It always returns a body, even
// when resolution fails or the server hosts no repositories.
func (s *Server) handleCapabilities(w http.ResponseWriter, req *http.Request) {
	sel := resolve.SelectionFromRequest(req)

	var current *registry.Repository
	branch := s.settings.Repos.DefaultBranch
	if repo, resolved, err := s.resolver.Resolve(sel); err == nil {
		current = repo
		branch = resolved
	} else if sel.Branch != "" {
		branch = sel.Branch
	}

	s.writeJSON(w, http.StatusOK, s.negotiator.Negotiate(current, branch))
}

// pushRequest is the wire form of a push. File contents are base64;
// null means delete.
type pushRequest struct {
	Branch  string             `json:"branch"`
	Message string             `json:"message"`
	Author  string             `json:"author"`
	Email   string             `json:"email"`
	Files   map[string]*string `json:"files"`
}

type pushViolation struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type pushResponse struct {
	Accepted   bool            `json:"accepted"`
	Reason     string          `json:"reason,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Branch     string          `json:"branch,omitempty"`
	Commit     string          `json:"commit,omitempty"`
	Indexed    int             `json:"indexed"`
	Deleted    int             `json:"deleted"`
	Violations []pushViolation `json:"violations,omitempty"`
}

func (s *Server) handlePush(w http.ResponseWriter, req *http.Request) {
	var body pushRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		s.writeError(w, faults.New(faults.MalformedRequest, "invalid push body: "+err.Error(), nil))
		return
	}

	changes, err := decodeFiles(body.Files)
	if err != nil {
		s.writeError(w, err)
		return
	}

	repoName, err := s.pushTargetRepo(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.gate.Push(req.Context(), repoName, gate.Request{
		Branch:  body.Branch,
		Message: body.Message,
		Author:  body.Author,
		Email:   body.Email,
		Files:   changes,
	})
	if err != nil {
		metrics.PushesTotal.WithLabelValues(repoName, "failed").Inc()
		s.writeError(w, err)
		return
	}

	if !result.Accepted {
		metrics.PushesTotal.WithLabelValues(repoName, "rejected").Inc()
		s.writeJSON(w, http.StatusUnprocessableEntity, pushResponse{
			Accepted: false,
			Reason:   result.Reason,
			Detail:   result.Detail,
			Branch:   result.Branch,
		})
		return
	}

	metrics.PushesTotal.WithLabelValues(repoName, "accepted").Inc()
	metrics.DocumentsIndexedTotal.WithLabelValues(repoName).Add(float64(result.Delta.Indexed))
	metrics.RuleViolationsTotal.WithLabelValues(repoName).Add(float64(len(result.Delta.Violations)))

	resp := pushResponse{
		Accepted: true,
		Branch:   result.Branch,
		Commit:   result.Commit,
		Indexed:  result.Delta.Indexed,
		Deleted:  result.Delta.Deleted,
	}
	for _, v := range result.Delta.Violations {
		resp.Violations = append(resp.Violations, pushViolation{
			Kind:    "rule-violation-on-reindex",
			Path:    v.Path,
			Field:   v.Field,
			Message: v.Message,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// pushTargetRepo names the repository a push lands in. An explicit hint
// may name a repository that does not exist yet; the gate creates it.
func (s *Server) pushTargetRepo(req *http.Request) (string, error) {
	sel := resolve.SelectionFromRequest(req)
	if sel.Repo != "" {
		return sel.Repo, nil
	}
	repo, _, err := s.resolver.Resolve(sel)
	if err != nil {
		return "", err
	}
	return repo.Name(), nil
}

func decodeFiles(files map[string]*string) (store.ChangeSet, error) {
	changes := make(store.ChangeSet, len(files))
	for path, encoded := range files {
		if encoded == nil {
			changes[path] = nil
			continue
		}
		content, err := base64.StdEncoding.DecodeString(*encoded)
		if err != nil {
			return nil, faults.New(faults.MalformedRequest, "files."+path+": invalid base64 content", err)
		}
		changes[path] = content
	}
	return changes, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, req *http.Request) {
	repo, branch, err := s.resolver.Resolve(resolve.SelectionFromRequest(req))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var envelope query.Request
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&envelope); err != nil {
			s.writeError(w, faults.New(faults.MalformedRequest, "invalid query body: "+err.Error(), nil))
			return
		}
	}

	// Queries are gated on a valid rule document like pushes are.
	doc, err := s.loader.Load(repo)
	if err != nil {
		s.writeError(w, err)
		return
	}

	collection, err := resolveCollection(req, envelope, doc)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.engine.Query(req.Context(), repo.Name(), branch, collection, envelope)
	if err != nil {
		s.writeError(w, err)
		return
	}

	metrics.QueriesTotal.WithLabelValues(repo.Name()).Inc()
	s.writeJSON(w, http.StatusOK, res)
}

// resolveCollection picks the query collection: the request path wins,
// then the envelope, then a rule document declaring a single collection.
func resolveCollection(req *http.Request, envelope query.Request, doc *rules.Document) (string, error) {
	if req.Method == MethodQuery {
		if path := chi.URLParam(req, "*"); path != "" {
			return validateCollection(path, doc)
		}
	}
	if envelope.Collection != "" {
		return validateCollection(envelope.Collection, doc)
	}
	collections := doc.Collections()
	if len(collections) == 1 {
		return collections[0], nil
	}
	return "", faults.New(faults.MalformedRequest, "collection is required: the rule document declares more than one", nil)
}

func validateCollection(name string, doc *rules.Document) (string, error) {
	for _, declared := range doc.Collections() {
		if declared == name {
			return name, nil
		}
	}
	return "", faults.NotFoundf("collection not found: " + name)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError maps fault categories onto HTTP statuses. Read failures
// carry no diagnostic detail beyond the category message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.CategoryOf(err) {
	case faults.NotFound:
		status = http.StatusNotFound
	case faults.MalformedRequest:
		status = http.StatusBadRequest
	case faults.RulesMissing, faults.RulesInvalid:
		status = http.StatusUnprocessableEntity
	case faults.StoreIO:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}
