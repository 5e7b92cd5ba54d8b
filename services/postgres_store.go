package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flashbots/auctionsession/member"
	"github.com/flashbots/auctionsession/protocol"
	_ "github.com/lib/pq"
)

// PostgresTaskStore implements member.TaskStore with PostgreSQL persistence.
type PostgresTaskStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// DSN, if set, is used verbatim and the other fields are ignored.
	DSN string
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresTaskStore connects to the database and creates the task table if
// it does not exist yet.
func NewPostgresTaskStore(config *PostgresConfig) (*PostgresTaskStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresTaskStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresTaskStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_tasks (
		session_id INTEGER PRIMARY KEY,
		host_ip VARCHAR(255) NOT NULL,
		host_port INTEGER NOT NULL,
		eval_port INTEGER NOT NULL,
		bid INTEGER NOT NULL,
		final_price INTEGER NOT NULL,
		won BOOLEAN NOT NULL DEFAULT FALSE,
		phase VARCHAR(32) NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_session_tasks_phase ON session_tasks(phase);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const upsertTaskQuery = `
	INSERT INTO session_tasks
		(session_id, host_ip, host_port, eval_port, bid, final_price, won, phase, error, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	ON CONFLICT (session_id) DO UPDATE SET
		host_ip = EXCLUDED.host_ip,
		host_port = EXCLUDED.host_port,
		eval_port = EXCLUDED.eval_port,
		bid = EXCLUDED.bid,
		final_price = EXCLUDED.final_price,
		won = EXCLUDED.won,
		phase = EXCLUDED.phase,
		error = EXCLUDED.error,
		updated_at = NOW()
	`

// Save persists a newly joined task. A task left over from an earlier join of
// the same session is overwritten.
func (s *PostgresTaskStore) Save(ctx context.Context, task member.TaskState) error {
	return s.upsert(ctx, task)
}

// Update persists the latest snapshot of a task.
func (s *PostgresTaskStore) Update(ctx context.Context, task member.TaskState) error {
	return s.upsert(ctx, task)
}

func (s *PostgresTaskStore) upsert(ctx context.Context, task member.TaskState) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, upsertTaskQuery,
		task.SessionID,
		task.HostAddress.IP,
		task.HostAddress.Port,
		task.EvalPort,
		task.Bid,
		task.FinalPrice,
		task.Won,
		string(task.Phase),
		task.Error,
	)
	if err != nil {
		return fmt.Errorf("storing task %d: %w", task.SessionID, err)
	}
	return nil
}

const selectTaskColumns = `SELECT session_id, host_ip, host_port, eval_port, bid, final_price, won, phase, error FROM session_tasks`

// Get retrieves the task of one session.
func (s *PostgresTaskStore) Get(ctx context.Context, sessionID int) (member.TaskState, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, selectTaskColumns+" WHERE session_id = $1", sessionID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return member.TaskState{}, member.ErrTaskNotFound
	}
	return task, err
}

// List retrieves all persisted tasks ordered by session id.
func (s *PostgresTaskStore) List(ctx context.Context) ([]member.TaskState, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, selectTaskColumns+" ORDER BY session_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []member.TaskState
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Close closes the database connection.
func (s *PostgresTaskStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (member.TaskState, error) {
	var (
		task  member.TaskState
		host  protocol.Address
		phase string
	)
	err := row.Scan(&task.SessionID, &host.IP, &host.Port, &task.EvalPort, &task.Bid,
		&task.FinalPrice, &task.Won, &phase, &task.Error)
	if err != nil {
		return member.TaskState{}, err
	}
	task.HostAddress = host
	task.Phase = member.Phase(phase)
	return task, nil
}
