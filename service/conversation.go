package service

import (
	"context"
	"sync"
)

// ConversationFiles is the set of uploaded artifacts linked to a conversation.
type ConversationFiles struct {
	DesignIDs   []string
	GuidelineID string
}

// ConversationStore resolves which design and guideline files belong to a
// conversation. Conversation/message management itself lives outside this
// service; only the file linkage is needed here.
type ConversationStore interface {
	GetFiles(ctx context.Context, conversationID string) (ConversationFiles, error)
	SetFiles(ctx context.Context, conversationID string, files ConversationFiles) error
}

// MemoryConversationStore is a mutex-guarded in-memory implementation.
type MemoryConversationStore struct {
	mu    sync.RWMutex
	files map[string]ConversationFiles
}

func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		files: make(map[string]ConversationFiles),
	}
}

func (s *MemoryConversationStore) GetFiles(ctx context.Context, conversationID string) (ConversationFiles, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, ok := s.files[conversationID]
	if !ok {
		return ConversationFiles{}, ErrNotFound
	}
	return files, nil
}

func (s *MemoryConversationStore) SetFiles(ctx context.Context, conversationID string, files ConversationFiles) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files[conversationID] = files
	return nil
}
