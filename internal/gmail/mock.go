package gmail

import (
	"context"
	"fmt"
	"sync"
)

// MockAPI is a mock implementation of the Gmail API for testing.
type MockAPI struct {
	mu sync.Mutex

	// Profile to return
	Profile *Profile

	// Labels to return
	Labels []*Label

	// Messages indexed by ID
	Messages map[string]*Message

	// History pages returned in order by successive ListHistory calls.
	// When exhausted, an empty response is returned.
	HistoryPages []*HistoryResponse

	// Watch response to return
	WatchResult *WatchResponse

	// Error injection
	ProfileError    error
	LabelsError     error
	HistoryError    error
	GetMessageError map[string]error // Per-message errors
	WatchError      error
	StopError       error

	// Call tracking for assertions
	ProfileCalls  int
	LabelsCalls   int
	HistoryCalls  []uint64
	MessageCalls  []string
	WatchCalls    []*WatchRequest
	StopCalls     int
	historyServed int
}

// NewMockAPI creates a new mock API with empty state.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Messages:        make(map[string]*Message),
		GetMessageError: make(map[string]error),
	}
}

// GetProfile returns the configured profile.
func (m *MockAPI) GetProfile(ctx context.Context) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ProfileCalls++
	if m.ProfileError != nil {
		return nil, m.ProfileError
	}
	if m.Profile == nil {
		return nil, fmt.Errorf("mock: no profile configured")
	}
	return m.Profile, nil
}

// ListLabels returns the configured labels.
func (m *MockAPI) ListLabels(ctx context.Context) ([]*Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LabelsCalls++
	if m.LabelsError != nil {
		return nil, m.LabelsError
	}
	return m.Labels, nil
}

// ListHistory serves the next configured history page.
func (m *MockAPI) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*HistoryResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.HistoryCalls = append(m.HistoryCalls, startHistoryID)
	if m.HistoryError != nil {
		return nil, m.HistoryError
	}
	if m.historyServed < len(m.HistoryPages) {
		page := m.HistoryPages[m.historyServed]
		m.historyServed++
		return page, nil
	}
	return &HistoryResponse{}, nil
}

// GetMessage returns the configured message for the given ID.
func (m *MockAPI) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.MessageCalls = append(m.MessageCalls, messageID)
	if err, ok := m.GetMessageError[messageID]; ok {
		return nil, err
	}
	msg, ok := m.Messages[messageID]
	if !ok {
		return nil, &NotFoundError{Path: "/users/me/messages/" + messageID}
	}
	return msg, nil
}

// Watch records the request and returns the configured response.
func (m *MockAPI) Watch(ctx context.Context, req *WatchRequest) (*WatchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.WatchCalls = append(m.WatchCalls, req)
	if m.WatchError != nil {
		return nil, m.WatchError
	}
	if m.WatchResult == nil {
		return nil, fmt.Errorf("mock: no watch result configured")
	}
	return m.WatchResult, nil
}

// StopWatch records the call.
func (m *MockAPI) StopWatch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StopCalls++
	return m.StopError
}

// Close is a no-op.
func (m *MockAPI) Close() error { return nil }
