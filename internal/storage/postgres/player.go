package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome classifies how a player's match ended.
type Outcome string

// Match outcomes recorded against a player record.
const (
	OutcomeWin     Outcome = "win"
	OutcomeLoss    Outcome = "loss"
	OutcomeDraw    Outcome = "draw"
	OutcomeForfeit Outcome = "forfeit"
)

// ValidOutcome reports whether o is a recognised match outcome.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeWin, OutcomeLoss, OutcomeDraw, OutcomeForfeit:
		return true
	}
	return false
}

// PlayerRecord is a persisted player row.
type PlayerRecord struct {
	ID        int64
	Name      string
	Rating    int
	Wins      int
	Losses    int
	Draws     int
	Unflushed bool
	UpdatedAt time.Time
}

// ResultDelta is the change applied to a player record when a match finishes.
type ResultDelta struct {
	RatingDelta int
	Outcome     Outcome
}

// ErrPlayerNotFound is returned when a player lookup yields no results.
var ErrPlayerNotFound = errors.New("player not found")

// ErrWriteConflict is returned when a result write loses an optimistic
// concurrency race. Callers retry; the per-player result writer guarantees
// single-writer ordering so conflicts are transient.
var ErrWriteConflict = errors.New("player write conflict")

// ErrInvalidOutcome is returned when an unrecognised outcome is supplied.
var ErrInvalidOutcome = errors.New("invalid outcome")

// PlayerStore is the narrow player persistence interface consumed by the
// game layer. Implementations own no cross-call concurrency guarantees;
// single-writer-per-id sequencing is enforced by the results writer.
type PlayerStore interface {
	ReadPlayer(ctx context.Context, id int64) (PlayerRecord, error)
	WritePlayerResult(ctx context.Context, id int64, delta ResultDelta) error
	MarkUnflushed(ctx context.Context, id int64) error
}

// PlayerRepository provides player persistence operations over pgx.
type PlayerRepository struct {
	db *pgxpool.Pool
}

// NewPlayerRepository creates a PlayerRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewPlayerRepository(db *pgxpool.Pool) *PlayerRepository {
	return &PlayerRepository{db: db}
}

// Create inserts a new player row with the given display name and rating.
//
// Precondition: name must be non-empty.
// Postcondition: Returns the created PlayerRecord with ID and UpdatedAt set.
func (r *PlayerRepository) Create(ctx context.Context, name string, rating int) (PlayerRecord, error) {
	var rec PlayerRecord
	err := r.db.QueryRow(ctx,
		`INSERT INTO players (name, rating)
		 VALUES ($1, $2)
		 RETURNING id, name, rating, wins, losses, draws, unflushed, updated_at`,
		name, rating,
	).Scan(&rec.ID, &rec.Name, &rec.Rating, &rec.Wins, &rec.Losses, &rec.Draws, &rec.Unflushed, &rec.UpdatedAt)
	if err != nil {
		return PlayerRecord{}, fmt.Errorf("inserting player: %w", err)
	}
	return rec, nil
}

// ReadPlayer retrieves a player record by id.
//
// Precondition: id must be positive.
// Postcondition: Returns the PlayerRecord or ErrPlayerNotFound.
func (r *PlayerRepository) ReadPlayer(ctx context.Context, id int64) (PlayerRecord, error) {
	var rec PlayerRecord
	err := r.db.QueryRow(ctx,
		`SELECT id, name, rating, wins, losses, draws, unflushed, updated_at
		 FROM players WHERE id = $1`,
		id,
	).Scan(&rec.ID, &rec.Name, &rec.Rating, &rec.Wins, &rec.Losses, &rec.Draws, &rec.Unflushed, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlayerRecord{}, ErrPlayerNotFound
		}
		return PlayerRecord{}, fmt.Errorf("querying player: %w", err)
	}
	return rec, nil
}

// WritePlayerResult applies a match result to the player's record using an
// optimistic concurrency check on updated_at.
//
// Precondition: delta.Outcome must be a valid outcome.
// Postcondition: The player's rating and tallies are updated, or
// ErrWriteConflict when a concurrent writer raced this update, or
// ErrPlayerNotFound when no such player exists.
func (r *PlayerRepository) WritePlayerResult(ctx context.Context, id int64, delta ResultDelta) error {
	if !ValidOutcome(delta.Outcome) {
		return ErrInvalidOutcome
	}

	current, err := r.ReadPlayer(ctx, id)
	if err != nil {
		return err
	}

	wins, losses, draws := current.Wins, current.Losses, current.Draws
	switch delta.Outcome {
	case OutcomeWin:
		wins++
	case OutcomeLoss, OutcomeForfeit:
		losses++
	case OutcomeDraw:
		draws++
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE players
		 SET rating = rating + $1, wins = $2, losses = $3, draws = $4,
		     unflushed = FALSE, updated_at = NOW()
		 WHERE id = $5 AND updated_at = $6`,
		delta.RatingDelta, wins, losses, draws, id, current.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating player result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Row moved under us between the read and the update.
		return ErrWriteConflict
	}
	return nil
}

// MarkUnflushed flags a player record whose match result could not be
// persisted, for out-of-band reconciliation.
//
// Postcondition: The player's unflushed flag is set, or ErrPlayerNotFound.
func (r *PlayerRepository) MarkUnflushed(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE players SET unflushed = TRUE WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("marking player unflushed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPlayerNotFound
	}
	return nil
}
