// Package vectorstore runs class-scoped similarity search over ingested
// training material stored in SurrealDB.
package vectorstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"

	"tutor-agent/internal/domain"
)

func init() {
	// WebSocket upgrade requires HTTP/1.1; keep ALPN from negotiating h2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Sign-in levels accepted in Config.AuthLevel.
const (
	AuthLevelRoot     = "root"
	AuthLevelDatabase = "database"
)

// Config holds SurrealDB connection configuration.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	// AuthLevel is "root" (default) or "database". Database users are
	// defined on Namespace/Database and must sign in against them.
	AuthLevel string
}

// searchSQLTemplate walks the HNSW index for the nearest neighbours of $emb
// (K is a literal, SurrealDB does not accept a parameter there) and keeps
// those belonging to the class. The threshold is enforced in Search.
const searchSQLTemplate = `
	SELECT content, source, vector::similarity::cosine(embedding, $emb) AS score
	FROM training_chunk
	WHERE class_id = $class_id AND embedding <|%d,%d|> $emb
	ORDER BY score DESC
	LIMIT $limit
`

const (
	// The class filter runs on the neighbour set, so ask the index for more
	// candidates than the caller wants back.
	knnOverfetch = 4
	knnEf        = 40
)

func searchSQL(limit int) string {
	return fmt.Sprintf(searchSQLTemplate, limit*knnOverfetch, knnEf)
}

// signInAuth builds the credentials for cfg's auth level. Root users are
// rejected when a namespace or database is sent alongside them.
func signInAuth(cfg Config) surrealdb.Auth {
	if cfg.AuthLevel == AuthLevelDatabase {
		return surrealdb.Auth{
			Namespace: cfg.Namespace,
			Database:  cfg.Database,
			Username:  cfg.Username,
			Password:  cfg.Password,
		}
	}
	return surrealdb.Auth{
		Username: cfg.Username,
		Password: cfg.Password,
	}
}

const schemaSQLTemplate = `
	DEFINE TABLE IF NOT EXISTS training_chunk SCHEMAFULL;
	DEFINE FIELD IF NOT EXISTS class_id ON training_chunk TYPE string;
	DEFINE FIELD IF NOT EXISTS content ON training_chunk TYPE string;
	DEFINE FIELD IF NOT EXISTS source ON training_chunk TYPE string;
	DEFINE FIELD IF NOT EXISTS embedding ON training_chunk TYPE array<float>;
	DEFINE FIELD IF NOT EXISTS created ON training_chunk TYPE datetime DEFAULT time::now();
	DEFINE INDEX IF NOT EXISTS training_chunk_class ON training_chunk FIELDS class_id;
	DEFINE INDEX IF NOT EXISTS training_chunk_embedding ON training_chunk FIELDS embedding HNSW DIMENSION %d DIST COSINE TYPE F32;
`

type chunkRow struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

type queryFunc func(ctx context.Context, sql string, vars map[string]any) ([]chunkRow, error)

// Store searches the training_chunk table.
type Store struct {
	query queryFunc
	exec  func(ctx context.Context, sql string) error
	close func(ctx context.Context) error
}

// Connect opens an auto-reconnecting WebSocket connection, signs in and
// selects the namespace and database.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	sdkLogger := logger.New(log.Handler())
	codec := surrealcbor.New()

	// gorillaws appends /rpc itself.
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = 500 * time.Millisecond
	retryer.MaxDelay = 10 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 5
	conn.Retryer = retryer

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("vectorstore: connect: %w", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("vectorstore: from connection: %w", err)
	}
	if _, err := db.SignIn(ctx, signInAuth(cfg)); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("vectorstore: signin: %w", err)
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("vectorstore: use: %w", err)
	}

	return &Store{
		query: func(ctx context.Context, sql string, vars map[string]any) ([]chunkRow, error) {
			results, err := surrealdb.Query[[]chunkRow](ctx, db, sql, vars)
			if err != nil {
				return nil, err
			}
			if results == nil || len(*results) == 0 {
				return nil, nil
			}
			return (*results)[0].Result, nil
		},
		exec: func(ctx context.Context, sql string) error {
			_, err := surrealdb.Query[any](ctx, db, sql, nil)
			return err
		},
		close: conn.Close,
	}, nil
}

// InitSchema defines the training_chunk table and its indexes.
func (s *Store) InitSchema(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return errors.New("vectorstore: dimension must be positive")
	}
	if err := s.exec(ctx, fmt.Sprintf(schemaSQLTemplate, dimension)); err != nil {
		return fmt.Errorf("vectorstore: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close(ctx context.Context) error {
	if s.close == nil {
		return nil
	}
	return s.close(ctx)
}

// Search returns at most limit chunks of classID's corpus whose cosine
// similarity to embedding is at least threshold, highest first.
func (s *Store) Search(ctx context.Context, classID string, embedding []float32, limit int, threshold float64) ([]domain.RetrievedChunk, error) {
	if strings.TrimSpace(classID) == "" {
		return nil, errors.New("vectorstore: class id is required")
	}
	if len(embedding) == 0 {
		return nil, errors.New("vectorstore: embedding is empty")
	}
	if limit <= 0 {
		return []domain.RetrievedChunk{}, nil
	}

	rows, err := s.query(ctx, searchSQL(limit), map[string]any{
		"class_id": classID,
		"emb":      embedding,
		"limit":    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}

	chunks := make([]domain.RetrievedChunk, 0, len(rows))
	for _, r := range rows {
		if r.Score < threshold || strings.TrimSpace(r.Content) == "" {
			continue
		}
		chunks = append(chunks, domain.RetrievedChunk{Content: r.Content, Source: r.Source, Score: r.Score})
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks, nil
}
