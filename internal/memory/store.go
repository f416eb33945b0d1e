// Package memory is the long-term semantic memory: conversation turns,
// learned preferences and facts, each stored with an embedding of its text
// and retrievable by similarity.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	Conversations = "conversations"
	Preferences   = "preferences"
	Context       = "context"
)

var collections = []string{Conversations, Preferences, Context}

type Kind string

const (
	KindConversation Kind = "conversation"
	KindPreference   Kind = "preference"
	KindFact         Kind = "fact"
)

// Metadata keys written by the store.
const (
	MetaUser      = "user_input"
	MetaAssistant = "assistant_response"
	MetaType      = "type"
)

var ErrClosed = errors.New("memory store closed")

type Record struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Kind       Kind              `json:"kind"`
	Document   string            `json:"document"`
	Embedding  []float32         `json:"embedding,omitempty"`
	Metadata   map[string]string `json:"metadata"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Turn is one user/assistant exchange.
type Turn struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	UserText      string            `json:"user_text"`
	AssistantText string            `json:"assistant_text"`
	Metadata      map[string]string `json:"metadata"`
}

// Turn reads r back as a conversation turn.
func (r Record) Turn() Turn {
	return Turn{
		ID:            r.ID,
		Timestamp:     r.Timestamp,
		UserText:      r.Metadata[MetaUser],
		AssistantText: r.Metadata[MetaAssistant],
		Metadata:      r.Metadata,
	}
}

type Match struct {
	Record
	Similarity float64 `json:"similarity"`
}

// ConversationDocument is the text embedded for a stored turn.
func ConversationDocument(user, assistant string) string {
	return "User: " + user + "\nAssistant: " + assistant
}

type Options struct {
	Embedder Embedder
	// Threshold is the minimum similarity a match must reach.
	Threshold float64
	// MaxResults bounds RetrieveSimilar when called with limit <= 0.
	MaxResults int
}

type Stats struct {
	Path        string         `json:"path"`
	Counts      map[string]int `json:"counts"`
	Total       int            `json:"total"`
	SizeBytes   int64          `json:"size_bytes"`
	LastCleanup time.Time      `json:"last_cleanup,omitempty"`
}

type Store struct {
	mu          sync.Mutex
	db          *bolt.DB
	path        string
	embed       Embedder
	threshold   float64
	maxResults  int
	lastCleanup time.Time
	now         func() time.Time
}

func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open memory db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, c := range collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return fmt.Errorf("create bucket %s: %w", c, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:         db,
		path:       path,
		embed:      opts.Embedder,
		threshold:  opts.Threshold,
		maxResults: opts.MaxResults,
		now:        time.Now,
	}
	if s.embed == nil {
		s.embed = NewHashEmbedder(0)
	}
	if s.maxResults <= 0 {
		s.maxResults = 5
	}

	log.Debug("Memory store opened", "path", path)
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// StoreConversation records a turn and returns its id.
func (s *Store) StoreConversation(ctx context.Context, user, assistant string, metadata map[string]string) (string, error) {
	meta := copyMeta(metadata)
	meta[MetaUser] = user
	meta[MetaAssistant] = assistant

	id, err := s.put(ctx, Conversations, KindConversation, ConversationDocument(user, assistant), meta)
	if err != nil {
		log.Error("Failed to store conversation", "err", err)
		return "", err
	}
	return id, nil
}

// StorePreference records a learned preference of the given kind.
func (s *Store) StorePreference(ctx context.Context, kind string, data map[string]string) (string, error) {
	meta := copyMeta(data)
	meta[MetaType] = kind

	body, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode preference: %w", err)
	}

	id, err := s.put(ctx, Preferences, KindPreference, kind+": "+string(body), meta)
	if err != nil {
		log.Error("Failed to store preference", "type", kind, "err", err)
		return "", err
	}
	return id, nil
}

// StoreFact records free-form context.
func (s *Store) StoreFact(ctx context.Context, text string, metadata map[string]string) (string, error) {
	id, err := s.put(ctx, Context, KindFact, text, copyMeta(metadata))
	if err != nil {
		log.Error("Failed to store fact", "err", err)
		return "", err
	}
	return id, nil
}

func (s *Store) put(ctx context.Context, collection string, kind Kind, doc string, meta map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Embedding may be a network call; keep it outside the lock.
	vec, err := s.embed.Embed(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("embed %s: %w", collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", ErrClosed
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}

	rec := Record{
		ID:         id.String(),
		Collection: collection,
		Kind:       kind,
		Document:   doc,
		Embedding:  vec,
		Metadata:   meta,
		Timestamp:  s.now().UTC(),
	}
	enc, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(collection)).Put([]byte(rec.ID), enc)
	})
	if err != nil {
		return "", fmt.Errorf("write %s: %w", collection, err)
	}
	return rec.ID, nil
}

// RetrieveSimilar returns stored turns similar to query, most similar first.
// Matches below the store threshold are dropped; the result is empty, not
// nil, when nothing qualifies.
func (s *Store) RetrieveSimilar(ctx context.Context, query string, limit int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q, err := s.embed.Embed(ctx, query)
	if err != nil {
		log.Error("Failed to embed query", "err", err)
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = s.maxResults
	}

	recs, err := s.scan(Conversations)
	if err != nil {
		log.Error("Failed to read conversations", "err", err)
		return nil, err
	}

	out := []Match{}
	for _, r := range recs {
		sim := Similarity(q, r.Embedding)
		if sim < s.threshold {
			continue
		}
		out = append(out, Match{Record: r, Similarity: sim})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ConversationContext formats up to k similar turns for a prompt. Errors
// yield an empty context.
func (s *Store) ConversationContext(ctx context.Context, query string, k int) string {
	matches, err := s.RetrieveSimilar(ctx, query, k)
	if err != nil || len(matches) == 0 {
		return ""
	}

	var b []byte
	for i, m := range matches {
		if i > 0 {
			b = append(b, "\n\n"...)
		}
		t := m.Turn()
		b = fmt.Appendf(b, "Previous conversation (%s):\nUser: %s\nAssistant: %s",
			t.Timestamp.Local().Format("2006-01-02 15:04"), t.UserText, t.AssistantText)
	}
	return string(b)
}

// RetrievePreferences returns preferences of kind, oldest first. An empty
// kind returns all of them.
func (s *Store) RetrievePreferences(ctx context.Context, kind string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	recs, err := s.scan(Preferences)
	if err != nil {
		log.Error("Failed to read preferences", "err", err)
		return nil, err
	}

	out := []Record{}
	for _, r := range recs {
		if kind == "" || r.Metadata[MetaType] == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

// scan reads every record of a collection in key order. Keys are time-ordered
// so this is insertion order. Callers hold s.mu.
func (s *Store) scan(collection string) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(collection)).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				log.Warn("Skipping malformed record", "collection", collection, "id", string(k), "err", err)
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	return out, nil
}

// Cleanup removes conversation turns and facts older than the given number
// of days. Preferences are kept. It runs only when called.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if olderThanDays < 0 {
		return 0, fmt.Errorf("cleanup: negative age %d", olderThanDays)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}

	cutoff := s.now().UTC().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, c := range []string{Conversations, Context} {
			b := tx.Bucket([]byte(c))

			var stale [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var r Record
				if err := json.Unmarshal(v, &r); err != nil {
					return nil
				}
				if r.Timestamp.Before(cutoff) {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}

			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("delete %s/%s: %w", c, k, err)
				}
			}
			removed += len(stale)
		}
		return nil
	})
	if err != nil {
		log.Error("Memory cleanup failed", "err", err)
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	s.lastCleanup = s.now().UTC()
	log.Info("Memory cleanup done", "removed", removed, "older_than_days", olderThanDays)
	return removed, nil
}

// Reset deletes everything. Without confirm it only warns and returns false.
func (s *Store) Reset(ctx context.Context, confirm bool) (bool, error) {
	if !confirm {
		log.Warn("Memory reset requested without confirmation, ignoring")
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, c := range collections {
			if err := tx.DeleteBucket([]byte(c)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket([]byte(c)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Error("Memory reset failed", "err", err)
		return false, fmt.Errorf("reset: %w", err)
	}

	log.Warn("Memory reset")
	return true, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Stats{}, ErrClosed
	}
	return s.stats()
}

func (s *Store) stats() (Stats, error) {
	st := Stats{
		Path:        s.path,
		Counts:      map[string]int{},
		LastCleanup: s.lastCleanup,
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, c := range collections {
			n := tx.Bucket([]byte(c)).Stats().KeyN
			st.Counts[c] = n
			st.Total += n
		}
		st.SizeBytes = tx.Size()
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

type exportDoc struct {
	ExportedAt  time.Time           `json:"exported_at"`
	Stats       Stats               `json:"stats"`
	Collections map[string][]Record `json:"collections"`
}

// Export writes every record, without embeddings, plus store stats as one
// JSON document.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.db == nil {
		s.mu.Unlock()
		return ErrClosed
	}

	doc := exportDoc{
		ExportedAt:  s.now().UTC(),
		Collections: map[string][]Record{},
	}
	var err error
	if doc.Stats, err = s.stats(); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, c := range collections {
		recs, err := s.scan(c)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		for i := range recs {
			recs[i].Embedding = nil
		}
		if recs == nil {
			recs = []Record{}
		}
		doc.Collections[c] = recs
	}
	s.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
