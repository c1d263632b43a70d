// Package memory implements the storage interfaces with mutex-protected
// maps, grounded on the teacher's in-memory store defaults used for tests
// and standalone operation.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/domain/agent"
	"github.com/meshrelay/dvmcore/internal/app/domain/job"
	"github.com/meshrelay/dvmcore/internal/app/domain/report"
	"github.com/meshrelay/dvmcore/internal/app/domain/service"
	"github.com/meshrelay/dvmcore/internal/app/domain/social"
	"github.com/meshrelay/dvmcore/internal/app/domain/swarm"
	"github.com/meshrelay/dvmcore/internal/app/domain/trust"
	"github.com/meshrelay/dvmcore/internal/app/domain/workflow"
	"github.com/meshrelay/dvmcore/internal/app/storage"
)

// AgentStore is an in-memory storage.AgentStore.
type AgentStore struct {
	mu        sync.RWMutex
	byID      map[string]agent.Agent
	byPubkey  map[string]string
	byAPIKey  map[string]string
}

func NewAgentStore() *AgentStore {
	return &AgentStore{byID: make(map[string]agent.Agent), byPubkey: make(map[string]string), byAPIKey: make(map[string]string)}
}

func (s *AgentStore) Create(_ context.Context, a agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[a.ID] = a
	s.byPubkey[a.Pubkey] = a.ID
	if a.APIKeyHash != "" {
		s.byAPIKey[a.APIKeyHash] = a.ID
	}
	return nil
}

func (s *AgentStore) GetByAPIKeyHash(ctx context.Context, hash string) (agent.Agent, error) {
	s.mu.RLock()
	id, ok := s.byAPIKey[hash]
	s.mu.RUnlock()
	if !ok {
		return agent.Agent{}, storage.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *AgentStore) Get(_ context.Context, id string) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return agent.Agent{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *AgentStore) GetByPubkey(ctx context.Context, pubkey string) (agent.Agent, error) {
	s.mu.RLock()
	id, ok := s.byPubkey[pubkey]
	s.mu.RUnlock()
	if !ok {
		return agent.Agent{}, storage.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *AgentStore) GetByUsername(ctx context.Context, username string) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.byID {
		if a.Username == username {
			return a, nil
		}
	}
	return agent.Agent{}, storage.ErrNotFound
}

func (s *AgentStore) Update(_ context.Context, a agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[a.ID] = a
	s.byPubkey[a.Pubkey] = a.ID
	if a.APIKeyHash != "" {
		s.byAPIKey[a.APIKeyHash] = a.ID
	}
	return nil
}

func (s *AgentStore) List(_ context.Context) ([]agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agent.Agent, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a)
	}
	return out, nil
}

// JobStore is an in-memory storage.JobStore.
type JobStore struct {
	mu          sync.RWMutex
	byID        map[string]job.Job
	byRequestID map[string]string
}

func NewJobStore() *JobStore {
	return &JobStore{byID: make(map[string]job.Job), byRequestID: make(map[string]string)}
}

func (s *JobStore) Create(_ context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[j.ID] = j
	if j.RequestEventID != "" {
		s.byRequestID[j.RequestEventID] = j.ID
	}
	return nil
}

func (s *JobStore) Get(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.byID[id]
	if !ok {
		return job.Job{}, storage.ErrNotFound
	}
	return j, nil
}

func (s *JobStore) GetByRequestEventID(ctx context.Context, eventID string) (job.Job, error) {
	s.mu.RLock()
	for _, j := range s.byID {
		if j.RequestEventID == eventID && j.Role == job.RoleCustomer {
			s.mu.RUnlock()
			return j, nil
		}
	}
	id, ok := s.byRequestID[eventID]
	s.mu.RUnlock()
	if !ok {
		return job.Job{}, storage.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *JobStore) ListByRequestEventID(_ context.Context, eventID string) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.Job
	for _, j := range s.byID {
		if j.RequestEventID == eventID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *JobStore) Update(_ context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[j.ID] = j
	if j.RequestEventID != "" {
		s.byRequestID[j.RequestEventID] = j.ID
	}
	return nil
}

func (s *JobStore) ListByUser(_ context.Context, userID string, role job.Role) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.Job
	for _, j := range s.byID {
		if j.UserID == userID && j.Role == role {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *JobStore) ListByStatus(_ context.Context, status job.Status) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.Job
	for _, j := range s.byID {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

// ServiceRegistrationStore is an in-memory storage.ServiceRegistrationStore.
type ServiceRegistrationStore struct {
	mu   sync.RWMutex
	rows map[string]service.Registration
}

func NewServiceRegistrationStore() *ServiceRegistrationStore {
	return &ServiceRegistrationStore{rows: make(map[string]service.Registration)}
}

func (s *ServiceRegistrationStore) Upsert(_ context.Context, r service.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.Pubkey] = r
	return nil
}

func (s *ServiceRegistrationStore) Get(_ context.Context, pubkey string) (service.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[pubkey]
	if !ok {
		return service.Registration{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *ServiceRegistrationStore) ListServing(_ context.Context, kind int) ([]service.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []service.Registration
	for _, r := range s.rows {
		if r.ServesKind(kind) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *ServiceRegistrationStore) ListAll(_ context.Context) ([]service.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]service.Registration, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out, nil
}

func (s *ServiceRegistrationStore) IncrementCompleted(_ context.Context, pubkey string, earnedMsats int64, responseMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[pubkey]
	r.JobsCompleted++
	r.TotalEarnedMsats += earnedMsats
	if r.JobsCompleted > 0 {
		r.AvgResponseMs = (r.AvgResponseMs*(r.JobsCompleted-1) + responseMs) / r.JobsCompleted
	}
	r.LastJobAt = time.Now()
	s.rows[pubkey] = r
	return nil
}

func (s *ServiceRegistrationStore) IncrementRejected(_ context.Context, pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[pubkey]
	r.JobsRejected++
	s.rows[pubkey] = r
	return nil
}

// TrustStore is an in-memory storage.TrustStore.
type TrustStore struct {
	mu         sync.RWMutex
	declared   map[string]trust.Declaration // trusterUserID|targetPubkey -> declaration
	reports    map[string]trust.Report      // eventID -> report
	reporters  map[string]map[string]bool   // targetPubkey -> set of reporter pubkeys
}

func NewTrustStore() *TrustStore {
	return &TrustStore{
		declared:  make(map[string]trust.Declaration),
		reports:   make(map[string]trust.Report),
		reporters: make(map[string]map[string]bool),
	}
}

func (s *TrustStore) Declare(_ context.Context, d trust.Declaration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declared[d.TrusterUserID+"|"+d.TargetPubkey] = d
	return nil
}

func (s *TrustStore) Revoke(_ context.Context, trusterUserID, targetPubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.declared, trusterUserID+"|"+targetPubkey)
	return nil
}

func (s *TrustStore) CountTrustersOf(_ context.Context, targetPubkey string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, d := range s.declared {
		if d.TargetPubkey == targetPubkey && d.Assertion == "trust" {
			n++
		}
	}
	return n, nil
}

func (s *TrustStore) FileReport(_ context.Context, r trust.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.EventID] = r
	if s.reporters[r.TargetPubkey] == nil {
		s.reporters[r.TargetPubkey] = make(map[string]bool)
	}
	s.reporters[r.TargetPubkey][r.ReporterPubkey] = true
	return nil
}

func (s *TrustStore) DistinctReportersOf(_ context.Context, targetPubkey string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.reporters[targetPubkey])), nil
}

// ReportStore is an in-memory storage.ReportStore.
type ReportStore struct {
	mu   sync.RWMutex
	rows []report.Review
}

func NewReportStore() *ReportStore { return &ReportStore{} }

func (s *ReportStore) Record(_ context.Context, r report.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, r)
	return nil
}

func (s *ReportStore) AverageRatingFor(_ context.Context, pubkey string) (float64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	var n int64
	for _, r := range s.rows {
		if r.TargetPubkey == pubkey {
			sum += r.Rating
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sum / float64(n), n, nil
}

// WorkflowStore is an in-memory storage.WorkflowStore.
type WorkflowStore struct {
	mu   sync.RWMutex
	rows map[string]workflow.Workflow
}

func NewWorkflowStore() *WorkflowStore { return &WorkflowStore{rows: make(map[string]workflow.Workflow)} }

func (s *WorkflowStore) Create(_ context.Context, w workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[w.ID] = w
	return nil
}

func (s *WorkflowStore) Get(_ context.Context, id string) (workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.rows[id]
	if !ok {
		return workflow.Workflow{}, storage.ErrNotFound
	}
	return w, nil
}

func (s *WorkflowStore) Update(_ context.Context, w workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[w.ID] = w
	return nil
}

func (s *WorkflowStore) ListActive(_ context.Context) ([]workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workflow.Workflow
	for _, w := range s.rows {
		if w.Status == workflow.StatusActive {
			out = append(out, w)
		}
	}
	return out, nil
}

// SwarmStore is an in-memory storage.SwarmStore.
type SwarmStore struct {
	mu   sync.RWMutex
	rows map[string]swarm.Swarm
}

func NewSwarmStore() *SwarmStore { return &SwarmStore{rows: make(map[string]swarm.Swarm)} }

func (s *SwarmStore) Create(_ context.Context, sw swarm.Swarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sw.ID] = sw
	return nil
}

func (s *SwarmStore) Get(_ context.Context, id string) (swarm.Swarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sw, ok := s.rows[id]
	if !ok {
		return swarm.Swarm{}, storage.ErrNotFound
	}
	return sw, nil
}

func (s *SwarmStore) Update(_ context.Context, sw swarm.Swarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sw.ID] = sw
	return nil
}

// ExternalDVMStore is an in-memory storage.ExternalDVMStore.
type ExternalDVMStore struct {
	mu   sync.RWMutex
	rows map[string]storage.ExternalDVM
}

func NewExternalDVMStore() *ExternalDVMStore {
	return &ExternalDVMStore{rows: make(map[string]storage.ExternalDVM)}
}

func (s *ExternalDVMStore) Upsert(_ context.Context, d storage.ExternalDVM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[d.Pubkey] = d
	return nil
}

func (s *ExternalDVMStore) ListServing(_ context.Context, kind int) ([]storage.ExternalDVM, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.ExternalDVM
	for _, d := range s.rows {
		for _, k := range d.Kinds {
			if k == kind {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

// SocialStore is an in-memory storage.SocialStore.
type SocialStore struct {
	mu            sync.RWMutex
	notes         map[string]social.Note
	follows       map[string][]social.Follow // userID -> follows
	reactions     map[string]bool            // eventID seen
	notifications []social.Notification
}

func NewSocialStore() *SocialStore {
	return &SocialStore{
		notes:     make(map[string]social.Note),
		follows:   make(map[string][]social.Follow),
		reactions: make(map[string]bool),
	}
}

func (s *SocialStore) UpsertNote(_ context.Context, n social.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[n.EventID] = n
	return nil
}

func (s *SocialStore) HasNote(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.notes[eventID]
	return ok, nil
}

func (s *SocialStore) GetNote(_ context.Context, eventID string) (social.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notes[eventID]
	if !ok {
		return social.Note{}, storage.ErrNotFound
	}
	return n, nil
}

func (s *SocialStore) NoteIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.notes))
	for id := range s.notes {
		out = append(out, id)
	}
	return out, nil
}

func (s *SocialStore) ReplaceFollows(_ context.Context, userID string, follows []social.Follow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.follows[userID] = follows
	return nil
}

func (s *SocialStore) FollowSets(_ context.Context) (map[string][]social.Follow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]social.Follow, len(s.follows))
	for k, v := range s.follows {
		out[k] = v
	}
	return out, nil
}

func (s *SocialStore) InsertReaction(_ context.Context, r social.Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactions[r.EventID] {
		return false, nil
	}
	s.reactions[r.EventID] = true
	return true, nil
}

func (s *SocialStore) Notify(_ context.Context, n social.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}
