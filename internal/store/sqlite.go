package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/haven/backend/internal/model/chat"
	"github.com/zhouzirui/haven/backend/internal/model/user"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLite is the durable Store backed by a single SQLite database file.
type SQLite struct {
	db    *sql.DB
	clock *ownerClock
}

// OpenSQLite opens (creating if needed) the database at path and applies migrations.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers anyway; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLite{db: db, clock: newOwnerClock()}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) AppendTurn(ctx context.Context, turn chat.Turn) (chat.Turn, error) {
	if err := validateTurn(turn); err != nil {
		return chat.Turn{}, err
	}

	turn.ID = uuid.NewString()
	turn.CreatedAt = s.clock.next(turn.OwnerID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_turns (id, owner_id, content, speaker, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.ID, turn.OwnerID, turn.Content, string(turn.Speaker), turn.CreatedAt.UnixNano(),
	)
	if err != nil {
		return chat.Turn{}, fmt.Errorf("insert chat turn: %w", err)
	}
	return turn, nil
}

func (s *SQLite) RecentTurns(ctx context.Context, ownerID string, speaker chat.Speaker, limit int) ([]chat.Turn, error) {
	query := `SELECT id, owner_id, content, speaker, created_at FROM chat_turns WHERE owner_id = ?`
	args := []any{ownerID}
	if speaker != "" {
		query += ` AND speaker = ?`
		args = append(args, string(speaker))
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat turns: %w", err)
	}
	defer rows.Close()

	turns := make([]chat.Turn, 0, limit)
	for rows.Next() {
		var (
			t       chat.Turn
			spk     string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Content, &spk, &created); err != nil {
			return nil, fmt.Errorf("scan chat turn: %w", err)
		}
		t.Speaker = chat.Speaker(spk)
		t.CreatedAt = time.Unix(0, created).UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLite) InsertIssue(ctx context.Context, issue chat.Issue) (chat.Issue, error) {
	if err := validateIssue(issue); err != nil {
		return chat.Issue{}, err
	}

	issue.ID = uuid.NewString()
	issue.Timestamp = s.clock.next("issue:" + issue.OwnerID)
	if issue.Topics == nil {
		issue.Topics = []string{}
	}
	topics, err := json.Marshal(issue.Topics)
	if err != nil {
		return chat.Issue{}, fmt.Errorf("encode topics: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_issues (id, owner_id, raw_text, sentiment, emotion, risk_level, topics, summary, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.OwnerID, issue.RawText, string(issue.Sentiment), issue.Emotion,
		string(issue.RiskLevel), string(topics), issue.Summary, issue.Timestamp.UnixNano(),
	)
	if err != nil {
		return chat.Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	return issue, nil
}

func (s *SQLite) RecentIssues(ctx context.Context, ownerID string, limit int) ([]chat.Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, raw_text, sentiment, emotion, risk_level, topics, summary, timestamp
		 FROM user_issues WHERE owner_id = ? ORDER BY timestamp DESC, seq DESC LIMIT ?`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()

	issues := make([]chat.Issue, 0, limit)
	for rows.Next() {
		var (
			i          chat.Issue
			sentiment  string
			risk       string
			topicsJSON string
			ts         int64
		)
		if err := rows.Scan(&i.ID, &i.OwnerID, &i.RawText, &sentiment, &i.Emotion, &risk, &topicsJSON, &i.Summary, &ts); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		if err := json.Unmarshal([]byte(topicsJSON), &i.Topics); err != nil {
			return nil, fmt.Errorf("decode topics: %w", err)
		}
		i.Sentiment = chat.Sentiment(sentiment)
		i.RiskLevel = chat.RiskLevel(risk)
		i.Timestamp = time.Unix(0, ts).UTC()
		issues = append(issues, i)
	}
	return issues, rows.Err()
}

func (s *SQLite) FindUserByID(ctx context.Context, id string) (user.User, error) {
	return s.findUser(ctx, `WHERE id = ?`, id)
}

func (s *SQLite) FindUserByEmail(ctx context.Context, email string) (user.User, error) {
	return s.findUser(ctx, `WHERE email = ?`, email)
}

func (s *SQLite) findUser(ctx context.Context, where string, arg string) (user.User, error) {
	var (
		u         user.User
		testsJSON string
		created   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, age, gender, tests, created_at FROM users `+where, arg,
	).Scan(&u.ID, &u.Username, &u.Email, &u.Age, &u.Gender, &testsJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, user.ErrNotFound
	}
	if err != nil {
		return user.User{}, fmt.Errorf("query user: %w", err)
	}
	if err := json.Unmarshal([]byte(testsJSON), &u.Tests); err != nil {
		return user.User{}, fmt.Errorf("decode assessments: %w", err)
	}
	u.CreatedAt = time.Unix(0, created).UTC()
	return u, nil
}

func (s *SQLite) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if strings.TrimSpace(u.Email) == "" {
		return user.User{}, user.ErrInvalidEmail
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Tests == nil {
		u.Tests = []user.Assessment{}
	}
	tests, err := json.Marshal(u.Tests)
	if err != nil {
		return user.User{}, fmt.Errorf("encode assessments: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, age, gender, tests, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.Age, u.Gender, string(tests), u.CreatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: users.email") {
			return user.User{}, user.ErrEmailTaken
		}
		return user.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *SQLite) RevokeToken(ctx context.Context, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (token, expires_at) VALUES (?, ?)
		 ON CONFLICT(token) DO UPDATE SET expires_at = excluded.expires_at`,
		token, expiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *SQLite) IsTokenRevoked(ctx context.Context, token string) (bool, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM revoked_tokens WHERE token = ?`, token).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query revoked token: %w", err)
	}
	return time.Now().UnixNano() < expiresAt, nil
}

func (s *SQLite) PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
