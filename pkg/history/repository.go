// Package history persists threads as JSON documents in a storage.KV.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/odvcencio/threadline/pkg/conversation"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/storage"
)

const (
	// NamespaceThreads holds the latest copy of each thread.
	NamespaceThreads = "threads"
	// NamespaceBackups holds the log that was sent with the latest request,
	// so a thread can be rolled back after a failed round.
	NamespaceBackups = "backups"
)

// Repository reads and writes threads.
type Repository struct {
	kv storage.KV
}

// NewRepository wraps kv.
func NewRepository(kv storage.KV) *Repository {
	return &Repository{kv: kv}
}

// Save stores t. Threads without messages are not worth keeping and are
// skipped.
func (r *Repository) Save(ctx context.Context, t conversation.Thread) error {
	if t.ID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "thread id is required")
	}
	if len(t.Messages) == 0 {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "encode thread").
			WithContext("thread_id", t.ID)
	}
	return r.kv.Put(ctx, NamespaceThreads, t.ID, data)
}

// Load returns the stored thread id.
func (r *Repository) Load(ctx context.Context, id string) (conversation.Thread, error) {
	data, err := r.kv.Get(ctx, NamespaceThreads, id)
	if err != nil {
		return conversation.Thread{}, notFoundOr(err, id)
	}
	return decodeThread(data, id)
}

// List returns summaries of every stored thread, most recently updated
// first.
func (r *Repository) List(ctx context.Context) ([]conversation.Summary, error) {
	entries, err := r.kv.List(ctx, NamespaceThreads)
	if err != nil {
		return nil, err
	}
	out := make([]conversation.Summary, 0, len(entries))
	for _, e := range entries {
		t, err := decodeThread(e.Value, e.Key)
		if err != nil {
			continue
		}
		out = append(out, t.Summarize())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes a thread and its backup.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.kv.Delete(ctx, NamespaceThreads, id); err != nil {
		return err
	}
	return r.kv.Delete(ctx, NamespaceBackups, id)
}

// SaveBackup records the outgoing log of thread id.
func (r *Repository) SaveBackup(ctx context.Context, id string, messages conversation.Messages) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "encode backup").
			WithContext("thread_id", id)
	}
	return r.kv.Put(ctx, NamespaceBackups, id, data)
}

// LoadBackup returns the outgoing log saved for thread id.
func (r *Repository) LoadBackup(ctx context.Context, id string) (conversation.Messages, error) {
	data, err := r.kv.Get(ctx, NamespaceBackups, id)
	if err != nil {
		return nil, notFoundOr(err, id)
	}
	var msgs conversation.Messages
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageCorrupt, "decode backup").
			WithContext("thread_id", id)
	}
	return msgs, nil
}

// Rollback replaces the stored log of thread id with its backup, dropping
// whatever an interrupted round appended after the request went out.
func (r *Repository) Rollback(ctx context.Context, id string) (conversation.Thread, error) {
	t, err := r.Load(ctx, id)
	if err != nil {
		return conversation.Thread{}, err
	}
	backup, err := r.LoadBackup(ctx, id)
	if err != nil {
		return conversation.Thread{}, err
	}
	t.Messages = backup
	t.UpdatedAt = time.Now().UTC()
	if err := r.Save(ctx, t); err != nil {
		return conversation.Thread{}, err
	}
	return t, nil
}

func decodeThread(data []byte, id string) (conversation.Thread, error) {
	var t conversation.Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return conversation.Thread{}, apperrors.Wrap(err, apperrors.ErrCodeStorageCorrupt, "decode thread").
			WithContext("thread_id", id)
	}
	return t, nil
}

func notFoundOr(err error, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.ErrCodeThreadNotFound, "thread not in history").
			WithContext("thread_id", id)
	}
	return err
}
