package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type auditEntry struct {
	Time       time.Time `json:"time"`
	User       string    `json:"user"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	Status     int       `json:"status"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	max     int
	sink    auditSink
}

type auditSink interface {
	Write(entry auditEntry) error
}

func newAuditLog(max int, sink auditSink) *auditLog {
	if max <= 0 {
		max = 200
	}
	return &auditLog{max: max, sink: sink}
}

func (l *auditLog) add(entry auditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	if l.sink != nil {
		_ = l.sink.Write(entry)
	}
}

func (l *auditLog) listLimit(limit int) []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]auditEntry, limit)
	copy(out, l.entries[len(l.entries)-limit:])
	return out
}

// statusRecorder captures the status code a handler actually wrote, since
// http.ResponseWriter doesn't expose it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// wrapWithAudit records one entry per request after the handler runs.
func wrapWithAudit(next http.Handler, log *auditLog) http.Handler {
	if log == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		user := ""
		if a, ok := agentFromContext(r.Context()); ok {
			user = a.ID
		}
		log.add(auditEntry{
			Time:       start.UTC(),
			User:       user,
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: clientIP(r),
			UserAgent:  r.UserAgent(),
		})
	})
}

func clientIP(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); h != "" {
		parts := strings.Split(h, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// fileAuditSink appends audit entries as JSONL.
type fileAuditSink struct {
	mu   sync.Mutex
	file *os.File
}

func newFileAuditSink(path string) (*fileAuditSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &fileAuditSink{file: f}, nil
}

func (s *fileAuditSink) Write(entry auditEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(b, '\n'))
	return err
}

// postgresAuditSink writes audit entries to the http_audit_log table.
type postgresAuditSink struct {
	db *sql.DB
}

func newPostgresAuditSink(db *sql.DB) auditSink {
	if db == nil {
		return nil
	}
	return &postgresAuditSink{db: db}
}

func (s *postgresAuditSink) Write(entry auditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO http_audit_log
			(occurred_at, user_name, role_name, tenant, path, method, status, remote_addr, user_agent)
		VALUES
			($1, $2, '', '', $3, $4, $5, $6, $7)
	`, entry.Time, entry.User, entry.Path, entry.Method, entry.Status, entry.RemoteAddr, entry.UserAgent)
	return err
}
