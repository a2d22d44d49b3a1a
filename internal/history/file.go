package history

import (
	"context"
	"sort"
	"sync"

	"github.com/ent0n29/agentdeck/internal/store"
)

const historyTable = "history"

// FileStore keeps conversation history in one JSON document per data dir,
// read-whole/write-whole under a single lock.
type FileStore struct {
	mu    sync.Mutex
	store *store.Store
}

func NewFileStore(st *store.Store) *FileStore {
	return &FileStore{store: st}
}

func (s *FileStore) load() map[string]Record {
	data := map[string]Record{}
	_ = s.store.Load(historyTable, &data)
	return data
}

func (s *FileStore) Append(_ context.Context, sessionID, sessionName string, conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.load()
	rec, ok := data[sessionID]
	if !ok {
		rec = Record{SessionID: sessionID}
	}
	rec.SessionName = sessionName
	rec.Messages = append(rec.Messages, conv.Messages...)
	rec.ToolOutputs = append(rec.ToolOutputs, conv.ToolOutputs...)
	data[sessionID] = rec
	return s.store.Save(historyTable, data)
}

func (s *FileStore) Read(_ context.Context, sessionID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.load()[sessionID]
	if !ok {
		return Record{SessionID: sessionID}, nil
	}
	return rec, nil
}

func (s *FileStore) ReadByName(_ context.Context, sessionName string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.load()
	ids := make([]string, 0, len(data))
	for id, rec := range data {
		if rec.SessionName == sessionName {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	merged := Record{SessionName: sessionName}
	for _, id := range ids {
		rec := data[id]
		merged.SessionID = rec.SessionID
		merged.Messages = append(merged.Messages, rec.Messages...)
		merged.ToolOutputs = append(merged.ToolOutputs, rec.ToolOutputs...)
	}
	return merged, nil
}

func (s *FileStore) DeleteSession(_ context.Context, sessionName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.load()
	changed := false
	for id, rec := range data {
		if rec.SessionName == sessionName {
			delete(data, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.store.Save(historyTable, data)
}

func (s *FileStore) Close() error { return nil }
