package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/opensandbox/proclist/pkg/types"
)

type fakeArchive struct {
	results []types.FlowResult
	err     error
}

func (a *fakeArchive) InsertResult(ctx context.Context, r types.FlowResult) error {
	if a.err != nil {
		return a.err
	}
	a.results = append(a.results, r)
	return nil
}

func TestSyncConsumerHandle(t *testing.T) {
	archive := &fakeArchive{}
	c := &SyncConsumer{archive: archive}

	data, _ := json.Marshal(types.FlowResult{ID: 7, FlowID: "f1", ClientID: "c1", Kind: types.ResultKindProcess, Payload: json.RawMessage(`{"pid":1}`)})
	if !c.handle(data) {
		t.Fatal("expected valid result to be acked")
	}
	if len(archive.results) != 1 || archive.results[0].ID != 7 || string(archive.results[0].Payload) != `{"pid":1}` {
		t.Errorf("unexpected archive: %+v", archive.results)
	}

	if !c.handle([]byte("not json")) {
		t.Error("malformed messages should be acked")
	}
	if !c.handle([]byte(`{"id":1}`)) {
		t.Error("incomplete results should be acked")
	}
	if len(archive.results) != 1 {
		t.Errorf("expected only the valid result archived, got %d", len(archive.results))
	}
}

func TestSyncConsumerHandleRetriesOnArchiveError(t *testing.T) {
	c := &SyncConsumer{archive: &fakeArchive{err: errors.New("connection refused")}}
	data, _ := json.Marshal(types.FlowResult{ID: 1, FlowID: "f1", Kind: types.ResultKindFileStat, Payload: json.RawMessage(`{}`)})
	if c.handle(data) {
		t.Error("archive failures must not be acked")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	for _, m := range migrations {
		data, err := migrationsFS.ReadFile(m.filename)
		if err != nil {
			t.Errorf("migration %d: %v", m.version, err)
			continue
		}
		if len(data) == 0 {
			t.Errorf("migration %d is empty", m.version)
		}
	}
}
