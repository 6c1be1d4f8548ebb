package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose/v3"

	"posestream/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store keeps one audit row per served session in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to url, checks the connection and applies pending
// migrations.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	log.Println("Session audit database initialized")
	return &Store{db: db}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) BeginSession(ctx context.Context, rec models.SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, remote_addr, engine, start_time) VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.RemoteAddr, rec.Engine, rec.StartTime,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, id string, end time.Time, frames int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_time = $2, frames_total = $3, end_reason = $4 WHERE id = $1`,
		id, end, frames, reason,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (s *Store) RecentSessions(ctx context.Context, limit int) ([]models.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, remote_addr, engine, start_time, end_time, frames_total, COALESCE(end_reason, '')
		 FROM sessions ORDER BY start_time DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SessionRecord
	for rows.Next() {
		var (
			rec models.SessionRecord
			end sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.RemoteAddr, &rec.Engine, &rec.StartTime, &end, &rec.FramesTotal, &rec.EndReason); err != nil {
			return nil, err
		}
		if end.Valid {
			t := end.Time
			rec.EndTime = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s.db != nil {
		log.Println("DB closed")
		return s.db.Close()
	}
	return nil
}
