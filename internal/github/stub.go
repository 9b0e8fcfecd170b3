package github

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nucleus/prsync-core/internal/model"
)

// StubServer hosts an in-memory GraphQL endpoint for tests (no network
// listeners). It serves scripted pull-request fixtures with real cursor
// pagination, a counting request quota, and injectable failures, so tests
// can drive pause/resume and retry paths deterministically.
type StubServer struct {
	mu        sync.Mutex
	token     string
	repos     map[string][]*StubPR
	remaining int
	resetAt   time.Time
	failures  map[string]int
	calls     []string
	transport http.RoundTripper
	baseURL   string
}

// StubPR is one scripted pull request with its full nested collections. The
// stub pages them with whatever page size the query asks for.
type StubPR struct {
	Record   model.PullRequestRecord
	Commits  []model.CommitRecord
	Reviews  []model.ReviewRecord
	Comments []model.CommentRecord
	Threads  []StubThread
}

// StubThread is one scripted review thread.
type StubThread struct {
	ID       string
	Path     string
	Line     int
	Resolved bool
	Comments []model.CommentRecord
}

// Operation keys for call accounting and failure injection.
const (
	OpPRPage       = "pr_page"
	OpPRByNumber   = "pr_by_number"
	OpCommitsPage  = "commits_page"
	OpReviewsPage  = "reviews_page"
	OpCommentsPage = "comments_page"
	OpThreadsPage  = "threads_page"
)

// NewStubServer constructs a deterministic stub without binding to a port.
func NewStubServer() *StubServer {
	s := &StubServer{
		repos:     map[string][]*StubPR{},
		remaining: 5000,
		resetAt:   time.Now().Add(time.Hour).UTC(),
		failures:  map[string]int{},
		baseURL:   "http://stub.github.local",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", s.handle)
	s.transport = &stubRoundTripper{handler: mux}
	return s
}

// URL returns the stub base URL (no network listener is used).
func (s *StubServer) URL() string { return s.baseURL }

// Transport returns a RoundTripper that serves requests in-process.
func (s *StubServer) Transport() http.RoundTripper { return s.transport }

// Close is a no-op for compatibility with server-backed stubs.
func (s *StubServer) Close() {}

// SetToken makes the stub require Bearer authentication.
func (s *StubServer) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// AddRepo registers fixtures under an owner/repo name. The stub serves the
// outer scan in last-updated descending order regardless of slice order.
func (s *StubServer) AddRepo(name string, prs []*StubPR) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[strings.ToLower(name)] = prs
}

// SetQuota scripts the quota counter the stub reports. Each served request
// decrements it by one.
func (s *StubServer) SetQuota(remaining int, resetAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining = remaining
	s.resetAt = resetAt.UTC()
}

// RemainingQuota returns the current counter value.
func (s *StubServer) RemainingQuota() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// FailNext makes the next n requests of the given operation return HTTP 500.
func (s *StubServer) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = n
}

// Calls returns the operation log in request order.
func (s *StubServer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many requests of one operation were served.
func (s *StubServer) CallCount(op string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func (s *StubServer) handle(w http.ResponseWriter, r *http.Request) {
	var req gqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	// Every request that reaches the resolver counts, rejected ones included,
	// so tests can assert how often the client actually hit the wire.
	op := classifyOp(req.Query)
	s.calls = append(s.calls, op)
	if s.token != "" {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if auth != "Bearer "+s.token && auth != "token "+s.token {
			s.mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
			return
		}
	}
	if s.failures[op] > 0 {
		s.failures[op]--
		s.mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"stub failure"}`))
		return
	}
	s.remaining--
	remaining := s.remaining
	resetAt := s.resetAt
	s.mu.Unlock()

	data, errMsg := s.resolve(op, req.Variables)
	if errMsg != "" {
		writeGraphQL(w, nil, errMsg)
		return
	}
	data["rateLimit"] = map[string]any{
		"remaining": remaining,
		"resetAt":   resetAt.Format(time.RFC3339),
	}
	writeGraphQL(w, data, "")
}

func classifyOp(query string) string {
	switch {
	case strings.Contains(query, "pullRequests("):
		return OpPRPage
	case strings.Contains(query, "commits(first:$nestedFirst,after:$cursor)"),
		strings.Contains(query, "commits(first: $nestedFirst, after: $cursor)"):
		return OpCommitsPage
	case strings.Contains(query, "reviews(first:$nestedFirst,after:$cursor)"),
		strings.Contains(query, "reviews(first: $nestedFirst, after: $cursor)"):
		return OpReviewsPage
	case strings.Contains(query, "reviewThreads(first:$nestedFirst,after:$cursor)"),
		strings.Contains(query, "reviewThreads(first: $nestedFirst, after: $cursor)"):
		return OpThreadsPage
	case strings.Contains(query, "comments(first:$nestedFirst,after:$cursor)"),
		strings.Contains(query, "comments(first: $nestedFirst, after: $cursor)"):
		return OpCommentsPage
	default:
		return OpPRByNumber
	}
}

// resolve builds the data payload for one operation. A non-empty second
// return is served as a GraphQL error payload.
func (s *StubServer) resolve(op string, vars map[string]any) (map[string]any, string) {
	repoName := strings.ToLower(fmt.Sprintf("%v/%v", vars["owner"], vars["name"]))
	s.mu.Lock()
	prs, ok := s.repos[repoName]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Sprintf("Could not resolve to a Repository with the name '%s'.", repoName)
	}
	nestedFirst := intVar(vars, "nestedFirst", 50)

	switch op {
	case OpPRPage:
		sorted := make([]*StubPR, len(prs))
		copy(sorted, prs)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Record.GHUpdatedAt.After(sorted[j].Record.GHUpdatedAt)
		})
		start, end, endCursor, hasNext := pageWindow(len(sorted), strVar(vars, "prCursor"), intVar(vars, "pageSize", 50))
		nodes := make([]any, 0, end-start)
		for _, pr := range sorted[start:end] {
			nodes = append(nodes, prJSON(pr, nestedFirst))
		}
		return map[string]any{
			"repository": map[string]any{
				"pullRequests": map[string]any{
					"pageInfo": pageInfoJSON(endCursor, hasNext),
					"nodes":    nodes,
				},
			},
		}, ""

	case OpPRByNumber:
		pr := findPR(prs, intVar(vars, "number", 0))
		if pr == nil {
			return nil, fmt.Sprintf("Could not resolve to a PullRequest with the number of %d.", intVar(vars, "number", 0))
		}
		return map[string]any{
			"repository": map[string]any{
				"pullRequest": prJSON(pr, nestedFirst),
			},
		}, ""

	default:
		pr := findPR(prs, intVar(vars, "number", 0))
		if pr == nil {
			return nil, fmt.Sprintf("Could not resolve to a PullRequest with the number of %d.", intVar(vars, "number", 0))
		}
		cursor := strVar(vars, "cursor")
		var conn map[string]any
		var field string
		switch op {
		case OpCommitsPage:
			field, conn = "commits", commitConnJSON(pr.Commits, cursor, nestedFirst)
		case OpReviewsPage:
			field, conn = "reviews", reviewConnJSON(pr.Reviews, cursor, nestedFirst)
		case OpCommentsPage:
			field, conn = "comments", commentConnJSON(pr.Comments, cursor, nestedFirst)
		case OpThreadsPage:
			field, conn = "reviewThreads", threadConnJSON(pr.Threads, cursor, nestedFirst)
		}
		return map[string]any{
			"repository": map[string]any{
				"pullRequest": map[string]any{field: conn},
			},
		}, ""
	}
}

// =============================================================================
// PAYLOAD BUILDERS
// =============================================================================

func prJSON(pr *StubPR, nestedFirst int) map[string]any {
	rec := pr.Record
	return map[string]any{
		"id":            rec.ExternalID,
		"number":        rec.Number,
		"title":         rec.Title,
		"body":          rec.Body,
		"state":         rec.State,
		"isDraft":       rec.Draft,
		"author":        map[string]any{"login": rec.Author},
		"baseRefName":   rec.BaseRef,
		"headRefName":   rec.HeadRef,
		"url":           rec.URL,
		"additions":     rec.Additions,
		"deletions":     rec.Deletions,
		"changedFiles":  rec.ChangedFiles,
		"createdAt":     timeJSON(rec.GHCreatedAt),
		"updatedAt":     timeJSON(rec.GHUpdatedAt),
		"mergedAt":      optTimeJSON(rec.MergedAt),
		"closedAt":      optTimeJSON(rec.ClosedAt),
		"commits":       commitConnJSON(pr.Commits, "", nestedFirst),
		"reviews":       reviewConnJSON(pr.Reviews, "", nestedFirst),
		"comments":      commentConnJSON(pr.Comments, "", nestedFirst),
		"reviewThreads": threadConnJSON(pr.Threads, "", nestedFirst),
	}
}

func commitConnJSON(all []model.CommitRecord, cursor string, size int) map[string]any {
	start, end, endCursor, hasNext := pageWindow(len(all), cursor, size)
	nodes := make([]any, 0, end-start)
	for _, c := range all[start:end] {
		nodes = append(nodes, map[string]any{
			"commit": map[string]any{
				"oid":           c.ExternalID,
				"message":       c.Message,
				"committedDate": timeJSON(c.CommittedAt),
				"additions":     c.Additions,
				"deletions":     c.Deletions,
				"author":        map[string]any{"name": c.AuthorName, "email": c.AuthorEmail},
			},
		})
	}
	return map[string]any{
		"totalCount": len(all),
		"pageInfo":   pageInfoJSON(endCursor, hasNext),
		"nodes":      nodes,
	}
}

func reviewConnJSON(all []model.ReviewRecord, cursor string, size int) map[string]any {
	start, end, endCursor, hasNext := pageWindow(len(all), cursor, size)
	nodes := make([]any, 0, end-start)
	for _, r := range all[start:end] {
		nodes = append(nodes, map[string]any{
			"id":          r.ExternalID,
			"author":      map[string]any{"login": r.Author},
			"state":       r.State,
			"body":        r.Body,
			"submittedAt": optTimeJSON(r.SubmittedAt),
		})
	}
	return map[string]any{
		"totalCount": len(all),
		"pageInfo":   pageInfoJSON(endCursor, hasNext),
		"nodes":      nodes,
	}
}

func commentConnJSON(all []model.CommentRecord, cursor string, size int) map[string]any {
	start, end, endCursor, hasNext := pageWindow(len(all), cursor, size)
	nodes := make([]any, 0, end-start)
	for _, c := range all[start:end] {
		nodes = append(nodes, commentJSON(c))
	}
	return map[string]any{
		"totalCount": len(all),
		"pageInfo":   pageInfoJSON(endCursor, hasNext),
		"nodes":      nodes,
	}
}

func threadConnJSON(all []StubThread, cursor string, size int) map[string]any {
	start, end, endCursor, hasNext := pageWindow(len(all), cursor, size)
	nodes := make([]any, 0, end-start)
	for _, t := range all[start:end] {
		comments := make([]any, 0, len(t.Comments))
		for _, c := range t.Comments {
			comments = append(comments, commentJSON(c))
		}
		nodes = append(nodes, map[string]any{
			"id":         t.ID,
			"isResolved": t.Resolved,
			"path":       t.Path,
			"line":       t.Line,
			"comments":   map[string]any{"nodes": comments},
		})
	}
	return map[string]any{
		"totalCount": len(all),
		"pageInfo":   pageInfoJSON(endCursor, hasNext),
		"nodes":      nodes,
	}
}

func commentJSON(c model.CommentRecord) map[string]any {
	return map[string]any{
		"id":        c.ExternalID,
		"author":    map[string]any{"login": c.Author},
		"body":      c.Body,
		"url":       c.URL,
		"createdAt": timeJSON(c.GHCreatedAt),
		"updatedAt": timeJSON(c.GHUpdatedAt),
	}
}

func pageInfoJSON(endCursor string, hasNext bool) map[string]any {
	return map[string]any{"endCursor": endCursor, "hasNextPage": hasNext}
}

// pageWindow turns an offset cursor into a slice window. Cursors are
// "cursor:<offset>"; an empty cursor means the first page.
func pageWindow(total int, cursor string, size int) (start, end int, endCursor string, hasNext bool) {
	if cursor != "" {
		fmt.Sscanf(cursor, "cursor:%d", &start)
	}
	if start > total {
		start = total
	}
	end = start + size
	if end > total {
		end = total
	}
	return start, end, fmt.Sprintf("cursor:%d", end), end < total
}

func findPR(prs []*StubPR, number int) *StubPR {
	for _, pr := range prs {
		if pr.Record.Number == number {
			return pr
		}
	}
	return nil
}

func strVar(vars map[string]any, key string) string {
	if v, ok := vars[key].(string); ok {
		return v
	}
	return ""
}

func intVar(vars map[string]any, key string, def int) int {
	if v, ok := vars[key].(float64); ok {
		return int(v)
	}
	return def
}

func timeJSON(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func optTimeJSON(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeJSON(*t)
}

func writeGraphQL(w http.ResponseWriter, data map[string]any, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{}
	if data != nil {
		payload["data"] = data
	}
	if errMsg != "" {
		payload["errors"] = []map[string]any{{"message": errMsg}}
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type stubRoundTripper struct {
	handler http.Handler
}

func (rt *stubRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rr := httptest.NewRecorder()
	rt.handler.ServeHTTP(rr, req)
	res := rr.Result()
	res.Request = req
	return res, nil
}
