package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uptrade-media/proposals-website-sub000/pkg/authn"
	"github.com/uptrade-media/proposals-website-sub000/pkg/domain"
)

var (
	ErrAlreadySigned     = errors.New("proposal already signed")
	ErrBadTransition     = errors.New("illegal status transition")
	ErrEndpointNotFound  = errors.New("webhook endpoint not found")
	ErrProposalNotFound  = errors.New("proposal not found")
	ErrSignatureNotFound = errors.New("signature not found")
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

type User struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Admin        bool      `json:"admin"`
	CreatedAt    time.Time `json:"created_at"`
}

type Session struct {
	SessionID string
	TokenHash string
	UserID    string // empty for magic-link exchanged client sessions
	Email     string
	Admin     bool
	ExpiresAt time.Time
}

type Section struct {
	ID      string `json:"id"`
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

type Proposal struct {
	ProposalID  string        `json:"proposal_id"`
	Title       string        `json:"title"`
	Status      domain.Status `json:"status"`
	TotalAmount float64       `json:"total_amount"`
	ClientName  string        `json:"client_name"`
	ClientEmail string        `json:"client_email"`
	Public      bool          `json:"public"`
	Sections    []Section     `json:"sections"`
	CreatedBy   string        `json:"created_by"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	SentAt      *time.Time    `json:"sent_at,omitempty"`
	SignedAt    *time.Time    `json:"signed_at,omitempty"`
}

type Signature struct {
	SignatureID string    `json:"signature_id"`
	ProposalID  string    `json:"proposal_id"`
	ImageDataURI string   `json:"signature"`
	SignedBy    string    `json:"signed_by"`
	ClientEmail string    `json:"client_email"`
	SignedAt    time.Time `json:"signed_at"`
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.DB.QueryRow(ctx, `
SELECT user_id,email,name,password_hash,admin,created_at
FROM portal_users
WHERE email=lower($1)
`, email).Scan(&u.UserID, &u.Email, &u.Name, &u.PasswordHash, &u.Admin, &u.CreatedAt)
	return u, err
}

func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO portal_sessions(session_id,token_hash,user_id,email,admin,expires_at)
VALUES($1,$2,$3,$4,$5,$6)
`, sess.SessionID, sess.TokenHash, nullable(sess.UserID), sess.Email, sess.Admin, sess.ExpiresAt)
	return err
}

// SessionIdentity implements authn.TokenSource.
func (s *Store) SessionIdentity(ctx context.Context, tokenHash string) (authn.Credential, error) {
	var userID *string
	var email string
	var admin bool
	err := s.DB.QueryRow(ctx, `
SELECT user_id,email,admin
FROM portal_sessions
WHERE token_hash=$1
  AND revoked_at IS NULL
  AND expires_at > now()
`, tokenHash).Scan(&userID, &email, &admin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authn.Credential{}, authn.ErrUnauthorized
		}
		return authn.Credential{}, err
	}
	subject := email
	if userID != nil {
		subject = *userID
	}
	return authn.Credential{Subject: subject, Email: email, Admin: admin}, nil
}

// LegacyTokenIdentity implements authn.TokenSource. Legacy share tokens are
// per-proposal and resolve to the recipient contact.
func (s *Store) LegacyTokenIdentity(ctx context.Context, proposalID, tokenHash string) (authn.Credential, error) {
	var email string
	err := s.DB.QueryRow(ctx, `
SELECT client_email
FROM proposals
WHERE proposal_id=$1 AND share_token_hash=$2
`, proposalID, tokenHash).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authn.Credential{}, authn.ErrUnauthorized
		}
		return authn.Credential{}, err
	}
	return authn.Credential{Subject: email, Email: email}, nil
}

func (s *Store) CreateProposal(ctx context.Context, p Proposal, shareTokenHash string) error {
	sections, _ := json.Marshal(p.Sections)
	_, err := s.DB.Exec(ctx, `
INSERT INTO proposals(proposal_id,title,status,total_amount,client_name,client_email,public,sections,share_token_hash,created_by)
VALUES($1,$2,$3,$4,$5,lower($6),$7,$8::jsonb,$9,$10)
`, p.ProposalID, p.Title, string(p.Status), p.TotalAmount, p.ClientName, p.ClientEmail, p.Public, string(sections), shareTokenHash, p.CreatedBy)
	return err
}

func (s *Store) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var p Proposal
	var status string
	var sections []byte
	err := s.DB.QueryRow(ctx, `
SELECT proposal_id,title,status,total_amount,client_name,client_email,public,sections,created_by,created_at,updated_at,sent_at,signed_at
FROM proposals
WHERE proposal_id=$1
`, id).Scan(&p.ProposalID, &p.Title, &status, &p.TotalAmount, &p.ClientName, &p.ClientEmail,
		&p.Public, &sections, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &p.SentAt, &p.SignedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrProposalNotFound
		}
		return Proposal{}, err
	}
	p.Status = domain.Status(status)
	_ = json.Unmarshal(sections, &p.Sections)
	return p, nil
}

func (s *Store) ListProposals(ctx context.Context, statuses []domain.Status) ([]Proposal, error) {
	raw := make([]string, 0, len(statuses))
	for _, st := range statuses {
		raw = append(raw, string(st))
	}
	rows, err := s.DB.Query(ctx, `
SELECT proposal_id,title,status,total_amount,client_name,client_email,public,created_by,created_at,updated_at,sent_at,signed_at
FROM proposals
WHERE status = ANY($1)
ORDER BY created_at DESC
`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Proposal
	for rows.Next() {
		var p Proposal
		var status string
		if err := rows.Scan(&p.ProposalID, &p.Title, &status, &p.TotalAmount, &p.ClientName, &p.ClientEmail,
			&p.Public, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &p.SentAt, &p.SignedAt); err != nil {
			return nil, err
		}
		p.Status = domain.Status(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// TransitionStatus performs a guarded status move: the UPDATE only lands when
// the row still carries the expected from-status, so concurrent requests
// cannot skip or repeat lifecycle steps.
func (s *Store) TransitionStatus(ctx context.Context, proposalID string, from, to domain.Status) error {
	if !domain.CanTransition(from, to) {
		return ErrBadTransition
	}
	extra := ""
	if to == domain.StatusSent {
		extra = ", sent_at=now()"
	}
	tag, err := s.DB.Exec(ctx, `
UPDATE proposals SET status=$1, updated_at=now()`+extra+`
WHERE proposal_id=$2 AND status=$3
`, string(to), proposalID, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBadTransition
	}
	return nil
}

// MarkViewed flips sent -> viewed; a no-op for every other status.
func (s *Store) MarkViewed(ctx context.Context, proposalID string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE proposals SET status='viewed', updated_at=now()
WHERE proposal_id=$1 AND status='sent'
`, proposalID)
	return err
}

func (s *Store) DeleteProposal(ctx context.Context, proposalID string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM proposal_events WHERE proposal_id=$1`, proposalID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM proposal_signatures WHERE proposal_id=$1`, proposalID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM proposals WHERE proposal_id=$1`, proposalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProposalNotFound
	}
	return tx.Commit(ctx)
}

func (s *Store) GetSignature(ctx context.Context, proposalID string) (Signature, error) {
	var sig Signature
	err := s.DB.QueryRow(ctx, `
SELECT signature_id,proposal_id,image_data_uri,signed_by,client_email,signed_at
FROM proposal_signatures
WHERE proposal_id=$1
`, proposalID).Scan(&sig.SignatureID, &sig.ProposalID, &sig.ImageDataURI, &sig.SignedBy, &sig.ClientEmail, &sig.SignedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signature{}, ErrSignatureNotFound
		}
		return Signature{}, err
	}
	return sig, nil
}

// InsertSignature records acceptance exactly once: the signature row, the
// status flip and the signed event commit together, and a second call fails
// with ErrAlreadySigned.
func (s *Store) InsertSignature(ctx context.Context, sig Signature) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO proposal_signatures(signature_id,proposal_id,image_data_uri,signed_by,client_email,signed_at)
VALUES($1,$2,$3,$4,lower($5),$6)
ON CONFLICT (proposal_id) DO NOTHING
`, sig.SignatureID, sig.ProposalID, sig.ImageDataURI, sig.SignedBy, sig.ClientEmail, sig.SignedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySigned
	}

	tag, err = tx.Exec(ctx, `
UPDATE proposals SET status='signed', signed_at=$1, updated_at=now()
WHERE proposal_id=$2 AND status IN ('sent','viewed')
`, sig.SignedAt, sig.ProposalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// zero rows means the proposal sits outside sent/viewed: already
		// signed by a concurrent request, or never sent at all
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM proposals WHERE proposal_id=$1`, sig.ProposalID).Scan(&status); err != nil {
			return err
		}
		if domain.Status(status) == domain.StatusSigned {
			return ErrAlreadySigned
		}
		return ErrBadTransition
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO proposal_events(proposal_id,event_type,visitor_id,occurred_at)
VALUES($1,'signed',lower($2),$3)
`, sig.ProposalID, sig.ClientEmail, sig.SignedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type IdempotencyRecord struct {
	ScopeID        string
	ActorID        string
	IdempotencyKey string
	Endpoint       string
	ResponseStatus int
	ResponseBody   []byte
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, scopeID, actorID, key, endpoint string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := s.DB.QueryRow(ctx, `
SELECT scope_id,actor_id,idempotency_key,endpoint,response_status,response_body
FROM portal_idempotency_records
WHERE scope_id=$1 AND actor_id=$2 AND idempotency_key=$3 AND endpoint=$4
`, scopeID, actorID, key, endpoint).Scan(&rec.ScopeID, &rec.ActorID, &rec.IdempotencyKey, &rec.Endpoint, &rec.ResponseStatus, &rec.ResponseBody)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO portal_idempotency_records(scope_id,actor_id,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5,$6::jsonb)
ON CONFLICT (scope_id,actor_id,idempotency_key,endpoint) DO NOTHING
`, rec.ScopeID, rec.ActorID, rec.IdempotencyKey, rec.Endpoint, rec.ResponseStatus, string(rec.ResponseBody))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
