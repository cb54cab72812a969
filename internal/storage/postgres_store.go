package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/example/campus-transit/internal/models"
)

//go:embed migrations/001_create_requests.sql
var createRequestsSQL string

const notifyChannel = "request_changes"

const selectColumns = `id, kind, requester_id, agent_id, origin, destination, attributes, traffic_level, status, estimated_duration_minutes, cancelled_by, version, created_at, updated_at`

// PostgresStore persists requests in a single table. Every committed write
// sends pg_notify(request_changes, id); a pq.Listener turns those into
// subscription updates.
type PostgresStore struct {
	db     *sql.DB
	dsn    string
	logger *slog.Logger
	hub    *hub
	now    func() time.Time

	// dispatchMu orders snapshot reads against notification handling.
	dispatchMu sync.Mutex
	listenOnce sync.Once
	listenErr  error
	listener   *pq.Listener
}

func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreWithDB(db, dsn, logger), nil
}

// NewPostgresStoreWithDB wraps an open handle. dsn is only used by the
// notification listener, which is started on the first Subscribe.
func NewPostgresStoreWithDB(db *sql.DB, dsn string, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, dsn: dsn, logger: logger, hub: newHub(), now: time.Now}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createRequestsSQL)
	return err
}

func (p *PostgresStore) Close() error {
	if p.listener != nil {
		_ = p.listener.Close()
	}
	return p.db.Close()
}

func (p *PostgresStore) Put(ctx context.Context, r models.Request) (string, error) {
	if r.Version == 0 {
		r.Version = 1
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	attrs, err := encodeAttributes(r.Attributes)
	if err != nil {
		return "", err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO requests(`+selectColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, string(r.Kind), r.RequesterID, nullString(r.AgentID), r.Origin, r.Destination, attrs,
		string(r.TrafficLevel), string(r.Status), nullInt(r.EstimatedDurationMinutes), nullString(r.CancelledBy),
		r.Version, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return "", fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, r.ID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return r.ID, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

func (p *PostgresStore) CompareAndUpdate(ctx context.Context, id string, expected models.Status, mut Mutation) (models.Request, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Request{}, err
	}
	defer tx.Rollback()

	cur, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM requests WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Request{}, err
	}
	if cur.Status != expected {
		return cur, fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, id, cur.Status, expected)
	}
	next := cur.Clone()
	if err := mut(&next); err != nil {
		return cur, err
	}
	if err := validateMutation(cur, next); err != nil {
		return cur, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = p.now().UTC()

	res, err := tx.ExecContext(ctx, `UPDATE requests SET agent_id=$1, status=$2, estimated_duration_minutes=$3, cancelled_by=$4, version=$5, updated_at=$6 WHERE id=$7 AND status=$8`,
		nullString(next.AgentID), string(next.Status), nullInt(next.EstimatedDurationMinutes), nullString(next.CancelledBy),
		next.Version, next.UpdatedAt, id, string(expected))
	if err != nil {
		return cur, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return cur, fmt.Errorf("%w: %s changed concurrently", ErrConflict, id)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, id); err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	return next, nil
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]models.Request, error) {
	out, err := p.selectMatching(ctx, q)
	if out == nil && err == nil {
		out = []models.Request{}
	}
	return out, err
}

func (p *PostgresStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := p.startListener(); err != nil {
		return nil, err
	}
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	snapshot, err := p.selectMatching(ctx, q)
	if err != nil {
		return nil, err
	}
	return p.hub.add(ctx, q, snapshot), nil
}

// selectMatching runs q as a WHERE clause in feed order.
func (p *PostgresStore) selectMatching(ctx context.Context, q Query) ([]models.Request, error) {
	var (
		where []string
		args  []any
	)
	if q.ID != "" {
		args = append(args, q.ID)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Kind != "" {
		args = append(args, string(q.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	query := `SELECT ` + selectColumns + ` FROM requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) startListener() error {
	p.listenOnce.Do(func() {
		l := pq.NewListener(p.dsn, 100*time.Millisecond, 10*time.Second, p.listenerEvent)
		if err := l.Listen(notifyChannel); err != nil {
			_ = l.Close()
			p.listenErr = fmt.Errorf("listen %s: %w", notifyChannel, err)
			return
		}
		p.listener = l
		go p.dispatch(l)
	})
	return p.listenErr
}

func (p *PostgresStore) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		p.logger.Warn("request listener disconnected", "error", err)
		p.hub.dropAll(ErrSubscriptionDropped)
	case pq.ListenerEventReconnected:
		p.logger.Info("request listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		p.logger.Warn("request listener reconnect failed", "error", err)
	}
}

func (p *PostgresStore) dispatch(l *pq.Listener) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case n, ok := <-l.Notify:
			if !ok {
				return
			}
			if n == nil {
				// reconnected; anything sent while disconnected is lost
				p.hub.dropAll(ErrSubscriptionDropped)
				continue
			}
			p.refresh(n.Extra)
		case <-ping.C:
			go func() { _ = l.Ping() }()
		}
	}
}

func (p *PostgresStore) refresh(id string) {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := p.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		p.hub.apply(id, nil)
	case err != nil:
		p.logger.Error("refresh request after notify", "request_id", id, "error", err)
	default:
		p.hub.apply(id, &r)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (models.Request, error) {
	var (
		r                     models.Request
		kind, status, traffic string
		agentID, cancelledBy  sql.NullString
		estimate              sql.NullInt64
		attrs                 []byte
	)
	if err := row.Scan(&r.ID, &kind, &r.RequesterID, &agentID, &r.Origin, &r.Destination, &attrs,
		&traffic, &status, &estimate, &cancelledBy, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.Request{}, err
	}
	r.Kind = models.Kind(kind)
	r.Status = models.Status(status)
	r.TrafficLevel = models.TrafficLevel(traffic)
	r.AgentID = agentID.String
	r.CancelledBy = cancelledBy.String
	if estimate.Valid {
		v := int(estimate.Int64)
		r.EstimatedDurationMinutes = &v
	}
	if len(attrs) > 0 && string(attrs) != "null" {
		if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
			return models.Request{}, fmt.Errorf("decode attributes of %s: %w", r.ID, err)
		}
		if len(r.Attributes) == 0 {
			r.Attributes = nil
		}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

// encodeAttributes returns text; lib/pq would send []byte as bytea.
func encodeAttributes(a map[string]string) (string, error) {
	if a == nil {
		a = map[string]string{}
	}
	b, err := json.Marshal(a)
	return string(b), err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
