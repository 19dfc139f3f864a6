package vector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TurnRef identifies a turn indexed in the vector table.
type TurnRef struct {
	ConversationID string
	Seq            int64
}

// Store wraps vector search operations using sqlite-vss.
type Store struct {
	db      *sql.DB
	enabled bool
	dim     int
}

func New(db *sql.DB, enabled bool, dim int) *Store {
	return &Store{db: db, enabled: enabled, dim: dim}
}

func (s *Store) Enabled() bool { return s != nil && s.enabled }

// UpsertEmbedding stores an embedding linked to a turn.
func (s *Store) UpsertEmbedding(ctx context.Context, ref TurnRef, embedding []float64) error {
	if !s.Enabled() {
		return nil
	}
	if err := s.checkDim(embedding); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO vss_turns(content_embedding) VALUES (json(?))`, toJSON(embedding))
	if err != nil {
		return err
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO vss_payload(rowid, conversation_id, seq) VALUES (?, ?, ?)`,
		rowID, ref.ConversationID, ref.Seq); err != nil {
		return err
	}
	return tx.Commit()
}

// Search returns turn refs ordered by vector similarity.
func (s *Store) Search(ctx context.Context, embedding []float64, topK int) ([]TurnRef, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}
	if err := s.checkDim(embedding); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT p.conversation_id, p.seq
        FROM vss_turns
        JOIN vss_payload p ON p.rowid = vss_turns.rowid
        WHERE vss_search(content_embedding, json(?))
        LIMIT ?;`, toJSON(embedding), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []TurnRef
	for rows.Next() {
		var r TurnRef
		if err := rows.Scan(&r.ConversationID, &r.Seq); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// DeleteConversation drops the payload rows of a conversation. The vss0 rows
// stay until the index is rebuilt; searches skip refs without a payload.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM vss_payload WHERE conversation_id = ?`, conversationID)
	return err
}

func (s *Store) checkDim(embedding []float64) error {
	if len(embedding) == 0 {
		return errors.New("embedding is empty")
	}
	if s.dim > 0 && len(embedding) != s.dim {
		return fmt.Errorf("embedding dimension mismatch: got %d want %d", len(embedding), s.dim)
	}
	return nil
}

func toJSON(vec []float64) string {
	var b strings.Builder
	b.WriteString("[")
	for i, v := range vec {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteString("]")
	return b.String()
}
