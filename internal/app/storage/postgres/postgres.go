// Package postgres implements the storage interfaces on raw database/sql
// plus github.com/lib/pq, grounded on the teacher's repository layer
// (internal/app/core/database and its hand-written SQL, not an ORM).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/meshrelay/dvmcore/internal/app/domain/agent"
	"github.com/meshrelay/dvmcore/internal/app/domain/job"
	"github.com/meshrelay/dvmcore/internal/app/domain/service"
	"github.com/meshrelay/dvmcore/internal/app/storage"
)

// JobStore is a Postgres-backed storage.JobStore.
type JobStore struct{ db *sql.DB }

func NewJobStore(db *sql.DB) *JobStore { return &JobStore{db: db} }

func (s *JobStore) Create(ctx context.Context, j job.Job) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, user_id, role, kind, status, input, input_type, output, params,
			bid_msats, price_msats, customer_pubkey, provider_pubkey,
			request_event_id, result_event_id, event_id, bolt11, payment_hash,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		j.ID, j.UserID, string(j.Role), j.Kind, string(j.Status), j.Input, j.InputType, j.Output, params,
		j.BidMsats, j.PriceMsats, j.CustomerPubkey, j.ProviderPubkey,
		j.RequestEventID, j.ResultEventID, j.EventID, j.Bolt11, j.PaymentHash,
		j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (s *JobStore) scanRow(row *sql.Row) (job.Job, error) {
	var j job.Job
	var role, status string
	var params []byte
	err := row.Scan(
		&j.ID, &j.UserID, &role, &j.Kind, &status, &j.Input, &j.InputType, &j.Output, &params,
		&j.BidMsats, &j.PriceMsats, &j.CustomerPubkey, &j.ProviderPubkey,
		&j.RequestEventID, &j.ResultEventID, &j.EventID, &j.Bolt11, &j.PaymentHash,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return job.Job{}, err
	}
	j.Role = job.Role(role)
	j.Status = job.Status(status)
	if len(params) > 0 {
		_ = json.Unmarshal(params, &j.Params)
	}
	return j, nil
}

const jobColumns = `id, user_id, role, kind, status, input, input_type, output, params,
	bid_msats, price_msats, customer_pubkey, provider_pubkey,
	request_event_id, result_event_id, event_id, bolt11, payment_hash,
	created_at, updated_at`

func (s *JobStore) Get(ctx context.Context, id string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return s.scanRow(row)
}

func (s *JobStore) GetByRequestEventID(ctx context.Context, eventID string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE request_event_id = $1 ORDER BY (role = 'customer') DESC LIMIT 1`, eventID)
	return s.scanRow(row)
}

func (s *JobStore) Update(ctx context.Context, j job.Job) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return err
	}
	j.UpdatedAt = time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status=$2, output=$3, params=$4, price_msats=$5,
			provider_pubkey=$6, result_event_id=$7, bolt11=$8, payment_hash=$9, updated_at=$10
		WHERE id=$1`,
		j.ID, string(j.Status), j.Output, params, j.PriceMsats,
		j.ProviderPubkey, j.ResultEventID, j.Bolt11, j.PaymentHash, j.UpdatedAt,
	)
	return err
}

func (s *JobStore) ListByUser(ctx context.Context, userID string, role job.Role) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id=$1 AND role=$2 ORDER BY created_at DESC`, userID, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func (s *JobStore) ListByStatus(ctx context.Context, status job.Status) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func (s *JobStore) ListByRequestEventID(ctx context.Context, eventID string) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE request_event_id=$1`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func scanJobRows(rows *sql.Rows) ([]job.Job, error) {
	var out []job.Job
	for rows.Next() {
		var j job.Job
		var role, status string
		var params []byte
		if err := rows.Scan(
			&j.ID, &j.UserID, &role, &j.Kind, &status, &j.Input, &j.InputType, &j.Output, &params,
			&j.BidMsats, &j.PriceMsats, &j.CustomerPubkey, &j.ProviderPubkey,
			&j.RequestEventID, &j.ResultEventID, &j.EventID, &j.Bolt11, &j.PaymentHash,
			&j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, err
		}
		j.Role = job.Role(role)
		j.Status = job.Status(status)
		if len(params) > 0 {
			_ = json.Unmarshal(params, &j.Params)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AgentStore is a Postgres-backed storage.AgentStore.
type AgentStore struct{ db *sql.DB }

func NewAgentStore(db *sql.DB) *AgentStore { return &AgentStore{db: db} }

const agentColumns = `id, username, handle, pubkey, encrypted_private_key, private_key_iv,
	encrypted_nwc_uri, nwc_uri_iv, lightning_address, api_key_hash, role, created_at, updated_at`

func (s *AgentStore) Create(ctx context.Context, a agent.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.Username, a.Handle, a.Pubkey, a.EncryptedPrivateKey, a.PrivateKeyIV,
		a.EncryptedNWCURI, a.NWCURIIV, a.LightningAddress, a.APIKeyHash, string(a.Role), a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func scanAgent(row interface{ Scan(...any) error }) (agent.Agent, error) {
	var a agent.Agent
	var role string
	err := row.Scan(
		&a.ID, &a.Username, &a.Handle, &a.Pubkey, &a.EncryptedPrivateKey, &a.PrivateKeyIV,
		&a.EncryptedNWCURI, &a.NWCURIIV, &a.LightningAddress, &a.APIKeyHash, &role, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.Agent{}, storage.ErrNotFound
	}
	if err != nil {
		return agent.Agent{}, err
	}
	a.Role = agent.Role(role)
	return a, nil
}

func (s *AgentStore) Get(ctx context.Context, id string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id)
	return scanAgent(row)
}

func (s *AgentStore) GetByPubkey(ctx context.Context, pubkey string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE pubkey=$1`, pubkey)
	return scanAgent(row)
}

func (s *AgentStore) GetByAPIKeyHash(ctx context.Context, hash string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE api_key_hash=$1`, hash)
	return scanAgent(row)
}

func (s *AgentStore) GetByUsername(ctx context.Context, username string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE username=$1`, username)
	return scanAgent(row)
}

func (s *AgentStore) Update(ctx context.Context, a agent.Agent) error {
	a.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET username=$2, handle=$3, encrypted_nwc_uri=$4, nwc_uri_iv=$5, lightning_address=$6, updated_at=$7
		WHERE id=$1`,
		a.ID, a.Username, a.Handle, a.EncryptedNWCURI, a.NWCURIIV, a.LightningAddress, a.UpdatedAt,
	)
	return err
}

func (s *AgentStore) List(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ServiceRegistrationStore is a Postgres-backed storage.ServiceRegistrationStore.
type ServiceRegistrationStore struct{ db *sql.DB }

func NewServiceRegistrationStore(db *sql.DB) *ServiceRegistrationStore {
	return &ServiceRegistrationStore{db: db}
}

func (s *ServiceRegistrationStore) Upsert(ctx context.Context, r service.Registration) error {
	kinds := make(pq.Int64Array, len(r.Kinds))
	for i, k := range r.Kinds {
		kinds[i] = int64(k)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_registrations (
			id, user_id, pubkey, kinds, description, min_price_msats, max_price_msats,
			min_zap_sats, direct_request_enabled, lightning_address, last_handler_event_id,
			jobs_completed, jobs_rejected, total_earned_msats, total_zap_received_sats,
			avg_response_ms, last_job_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (pubkey) DO UPDATE SET
			kinds=EXCLUDED.kinds, description=EXCLUDED.description,
			min_price_msats=EXCLUDED.min_price_msats, max_price_msats=EXCLUDED.max_price_msats,
			min_zap_sats=EXCLUDED.min_zap_sats, direct_request_enabled=EXCLUDED.direct_request_enabled,
			lightning_address=EXCLUDED.lightning_address, last_handler_event_id=EXCLUDED.last_handler_event_id,
			updated_at=EXCLUDED.updated_at`,
		r.ID, r.UserID, r.Pubkey, kinds, r.Description, r.MinPriceMsats, r.MaxPriceMsats,
		r.MinZapSats, r.DirectRequestEnabled, r.LightningAddress, r.LastHandlerEventID,
		r.JobsCompleted, r.JobsRejected, r.TotalEarnedMsats, r.TotalZapReceivedSats,
		r.AvgResponseMs, r.LastJobAt, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

const registrationColumns = `id, user_id, pubkey, kinds, description, min_price_msats, max_price_msats,
	min_zap_sats, direct_request_enabled, lightning_address, last_handler_event_id,
	jobs_completed, jobs_rejected, total_earned_msats, total_zap_received_sats,
	avg_response_ms, last_job_at, created_at, updated_at`

func scanRegistration(row interface{ Scan(...any) error }) (service.Registration, error) {
	var r service.Registration
	var kinds pq.Int64Array
	err := row.Scan(
		&r.ID, &r.UserID, &r.Pubkey, &kinds, &r.Description, &r.MinPriceMsats, &r.MaxPriceMsats,
		&r.MinZapSats, &r.DirectRequestEnabled, &r.LightningAddress, &r.LastHandlerEventID,
		&r.JobsCompleted, &r.JobsRejected, &r.TotalEarnedMsats, &r.TotalZapReceivedSats,
		&r.AvgResponseMs, &r.LastJobAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return service.Registration{}, storage.ErrNotFound
	}
	if err != nil {
		return service.Registration{}, err
	}
	r.Kinds = make([]int, len(kinds))
	for i, k := range kinds {
		r.Kinds[i] = int(k)
	}
	return r, nil
}

func (s *ServiceRegistrationStore) Get(ctx context.Context, pubkey string) (service.Registration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+registrationColumns+` FROM service_registrations WHERE pubkey=$1`, pubkey)
	return scanRegistration(row)
}

func (s *ServiceRegistrationStore) ListServing(ctx context.Context, kind int) ([]service.Registration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+registrationColumns+` FROM service_registrations WHERE $1 = ANY(kinds)`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []service.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *ServiceRegistrationStore) ListAll(ctx context.Context) ([]service.Registration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+registrationColumns+` FROM service_registrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []service.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *ServiceRegistrationStore) IncrementCompleted(ctx context.Context, pubkey string, earnedMsats int64, responseMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE service_registrations SET
			jobs_completed = jobs_completed + 1,
			total_earned_msats = total_earned_msats + $2,
			avg_response_ms = (avg_response_ms * (jobs_completed) + $3) / (jobs_completed + 1),
			last_job_at = now(), updated_at = now()
		WHERE pubkey = $1`, pubkey, earnedMsats, responseMs)
	return err
}

func (s *ServiceRegistrationStore) IncrementRejected(ctx context.Context, pubkey string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE service_registrations SET jobs_rejected = jobs_rejected + 1, updated_at = now() WHERE pubkey = $1`, pubkey)
	return err
}

// buildInClause is a small helper for callers that need a dynamic IN (...)
// list without pulling in a query builder dependency.
func buildInClause(startParam int, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "$" + strconv.Itoa(startParam+i)
	}
	return strings.Join(parts, ", ")
}
