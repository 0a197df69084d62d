package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store wraps the postgres connection. All methods take a context and return
// explicit errors; callers decide what is fatal.
type Store struct {
	DB *sql.DB
}

// Customer is a CRM account row.
type Customer struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Plan        string     `json:"plan"`
	Seats       int        `json:"seats"`
	AnnualValue float64    `json:"annualValue"`
	RenewalDate *time.Time `json:"renewalDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// ConversationTurn is one append-only entry in a customer conversation. Turns
// are keyed by customer and task so separate workstreams keep separate
// histories.
type ConversationTurn struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Task       string    `json:"task"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// HealthRecord is a stored health snapshot for a customer.
type HealthRecord struct {
	CustomerID string    `json:"customer_id"`
	Score      int       `json:"score"`
	RiskLevel  string    `json:"risk_level"`
	Factors    []string  `json:"factors,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// New connects using POSTGRES_* environment variables.
func New(ctx context.Context) (*Store, error) {
	host := envDefault("POSTGRES_HOST", "localhost")
	port := envDefault("POSTGRES_PORT", "5432")
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	db := os.Getenv("POSTGRES_DB")
	ssl := envDefault("POSTGRES_SSLMODE", "disable")
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN connects to postgres with the given DSN and verifies the
// connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func envDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// IsUniqueViolation reports whether err is a postgres unique-constraint error.
func IsUniqueViolation(err error) bool {
	pgErr, ok := err.(*pq.Error)
	return ok && pgErr.Code == "23505"
}

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&id, &hash)
	return
}

// GetCustomer fetches a customer by id.
func (s *Store) GetCustomer(ctx context.Context, id string) (Customer, error) {
	var c Customer
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, plan, seats, annual_value, renewal_date, created_at
		 FROM customers WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Plan, &c.Seats, &c.AnnualValue, &c.RenewalDate, &c.CreatedAt)
	return c, err
}

// FindCustomerByName resolves a customer by case-insensitive name match.
// Ambiguous matches return the oldest account.
func (s *Store) FindCustomerByName(ctx context.Context, name string) (Customer, error) {
	var c Customer
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, plan, seats, annual_value, renewal_date, created_at
		 FROM customers WHERE lower(name) = lower($1)
		 ORDER BY created_at ASC LIMIT 1`, name).
		Scan(&c.ID, &c.Name, &c.Plan, &c.Seats, &c.AnnualValue, &c.RenewalDate, &c.CreatedAt)
	return c, err
}

// CreateCustomer inserts a customer and returns its id.
func (s *Store) CreateCustomer(ctx context.Context, c Customer) (string, error) {
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO customers (id, name, plan, seats, annual_value, renewal_date)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		id, c.Name, c.Plan, c.Seats, c.AnnualValue, c.RenewalDate)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListCustomerIDs returns all customer ids, oldest first. Used by the
// scheduled health refresh.
func (s *Store) ListCustomerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM customers ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendTurn appends one conversation turn. Turns are never updated or
// deleted.
func (s *Store) AppendTurn(ctx context.Context, customerID, task, role, content string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, customer_id, task, role, content)
		 VALUES ($1,$2,$3,$4,$5)`,
		uuid.NewString(), customerID, task, role, content)
	return err
}

// ListTurns returns the most recent limit turns for a customer+task thread,
// oldest first.
func (s *Store) ListTurns(ctx context.Context, customerID, task string, limit int) ([]ConversationTurn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, customer_id, task, role, content, created_at FROM (
			SELECT id, customer_id, task, role, content, created_at
			FROM conversation_turns
			WHERE customer_id = $1 AND task = $2
			ORDER BY created_at DESC LIMIT $3
		 ) t ORDER BY created_at ASC`,
		customerID, task, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var turns []ConversationTurn
	for rows.Next() {
		var t ConversationTurn
		if err := rows.Scan(&t.ID, &t.CustomerID, &t.Task, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// SaveHealthSnapshot appends a health snapshot for a customer.
func (s *Store) SaveHealthSnapshot(ctx context.Context, customerID string, score int, riskLevel string, factors []string) error {
	raw, err := json.Marshal(factors)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO health_snapshots (id, customer_id, score, risk_level, factors)
		 VALUES ($1,$2,$3,$4,$5)`,
		uuid.NewString(), customerID, score, riskLevel, raw)
	return err
}

// LatestHealthSnapshot returns the most recent snapshot for a customer, or
// sql.ErrNoRows.
func (s *Store) LatestHealthSnapshot(ctx context.Context, customerID string) (HealthRecord, error) {
	var rec HealthRecord
	var raw []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT customer_id, score, risk_level, factors, created_at
		 FROM health_snapshots WHERE customer_id = $1
		 ORDER BY created_at DESC LIMIT 1`, customerID).
		Scan(&rec.CustomerID, &rec.Score, &rec.RiskLevel, &raw, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &rec.Factors)
	}
	return rec, nil
}
