package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/threadline/pkg/bus"
	"github.com/odvcencio/threadline/pkg/conversation"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/model"
	"github.com/odvcencio/threadline/pkg/storage"
	"github.com/odvcencio/threadline/pkg/thread"
	"github.com/odvcencio/threadline/pkg/tool"
)

func newRepo(t *testing.T) (*Repository, *storage.Store) {
	t.Helper()
	kv, err := storage.New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewRepository(kv), kv
}

func sampleThread(title string) conversation.Thread {
	th := conversation.NewThread("test-model", tool.ModeAgent)
	th.Title = title
	th.Messages = conversation.Messages{
		conversation.UserMessage{Content: "what is in main.go?"},
		conversation.AssistantMessage{Content: model.StringPtr("A main function.")},
	}
	return th
}

func TestRepositoryRoundTrip(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	th := sampleThread("Main file")
	require.NoError(t, repo.Save(ctx, th))

	got, err := repo.Load(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, th.ID, got.ID)
	assert.Equal(t, th.Title, got.Title)
	assert.Equal(t, th.Messages, got.Messages)
	assert.Equal(t, tool.ModeAgent, got.ToolUse)

	require.NoError(t, repo.Delete(ctx, th.ID))
	_, err = repo.Load(ctx, th.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeThreadNotFound))
}

func TestRepositorySkipsEmptyThreads(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	th := conversation.NewThread("m", tool.ModeQuick)
	require.NoError(t, repo.Save(ctx, th))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRepositoryListNewestFirst(t *testing.T) {
	repo, kv := newRepo(t)
	ctx := context.Background()

	older := sampleThread("Older")
	older.UpdatedAt = time.Now().Add(-time.Hour).UTC()
	newer := sampleThread("Newer")
	newer.UpdatedAt = time.Now().UTC()
	require.NoError(t, repo.Save(ctx, newer))
	require.NoError(t, repo.Save(ctx, older))
	require.NoError(t, kv.Put(ctx, NamespaceThreads, "broken", []byte("{not json")))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Newer", list[0].Title)
	assert.Equal(t, "Older", list[1].Title)
	assert.Equal(t, 2, list[0].MessageCount)
	assert.Positive(t, list[0].Tokens)

	_, err = repo.Load(ctx, "broken")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStorageCorrupt))
}

func TestRepositoryBackup(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	msgs := conversation.Messages{conversation.UserMessage{Content: "hi"}}
	require.NoError(t, repo.SaveBackup(ctx, "t1", msgs))

	got, err := repo.LoadBackup(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, msgs, got)

	_, err = repo.LoadBackup(ctx, "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeThreadNotFound))
}

func TestRepositoryRollback(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	th := sampleThread("Interrupted")
	sent := th.Messages[:1]
	require.NoError(t, repo.SaveBackup(ctx, th.ID, sent))
	th.Messages = append(th.Messages, conversation.UserMessage{Content: "and then?"})
	require.NoError(t, repo.Save(ctx, th))

	got, err := repo.Rollback(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, sent, got.Messages)
	assert.Equal(t, "Interrupted", got.Title)

	stored, err := repo.Load(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, sent, stored.Messages)

	other := sampleThread("No backup")
	require.NoError(t, repo.Save(ctx, other))
	_, err = repo.Rollback(ctx, other.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeThreadNotFound))

	_, err = repo.Rollback(ctx, "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeThreadNotFound))
}

func TestPersisterSavesSettledThreads(t *testing.T) {
	repo, _ := newRepo(t)
	b := bus.NewMemoryBus()
	defer b.Close()

	store := thread.NewStore(thread.Options{Model: "m", ToolUse: tool.ModeQuick, Bus: b})
	p := NewPersister(repo, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := p.Listen(ctx, b)
	require.NoError(t, err)

	id := store.ActiveID()
	msgs := conversation.Messages{conversation.UserMessage{Content: "hello"}}
	require.NoError(t, store.AskQuestion(id, msgs, "s1"))

	require.Eventually(t, func() bool {
		th, err := repo.Load(ctx, id)
		return err == nil && len(th.Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, err = repo.LoadBackup(ctx, id)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeThreadNotFound), "backups come from the request path")

	chunk := model.ChatResponseChunk{
		Choices: []model.ChunkChoice{{Delta: model.ChunkDelta{Content: "hi there"}}},
		Seq:     1,
	}
	_, err = store.ApplyChunk(id, "s1", chunk)
	require.NoError(t, err)
	require.NoError(t, store.DoneStreaming(id, "s1"))

	require.Eventually(t, func() bool {
		th, err := repo.Load(ctx, id)
		return err == nil && len(th.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPersisterIgnoresUnknownThreads(t *testing.T) {
	repo, _ := newRepo(t)
	store := thread.NewStore(thread.Options{})
	p := NewPersister(repo, store, nil)

	p.Handle(context.Background(), bus.Event{Kind: bus.EventDone, ThreadID: "gone"})

	list, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}
