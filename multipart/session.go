package multipart

import (
	"fmt"
	"sort"
	"sync"
)

// State tracks a multipart session through its lifecycle. Every initiated
// session ends in exactly one terminal state, Completed or Aborted.
type State int

const (
	StateNotStarted State = iota
	StateInitiated
	StateCompleting
	StateCompleted
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateInitiated:
		return "initiated"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the mutable record of one multipart upload. It is safe for
// concurrent use; part workers record results while the coordinator drives
// the lifecycle.
type Session struct {
	bucket string
	key    string

	mu       sync.Mutex
	state    State
	uploadID string
	parts    map[int]PartResult
}

// NewSession returns a session in the not-started state.
func NewSession(bucket, key string) *Session {
	return &Session{
		bucket: bucket,
		key:    key,
		parts:  make(map[int]PartResult),
	}
}

func (s *Session) Bucket() string { return s.bucket }
func (s *Session) Key() string    { return s.key }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UploadID returns the service-assigned upload ID, empty until initiated.
func (s *Session) UploadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadID
}

func (s *Session) start(uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		return s.transitionError("initiate")
	}
	if uploadID == "" {
		return fmt.Errorf("multipart: empty upload ID")
	}
	s.state = StateInitiated
	s.uploadID = uploadID
	return nil
}

// recordPart stores a finished part. Duplicate part numbers are a
// coordinator bug and rejected.
func (s *Session) recordPart(result PartResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitiated {
		return s.transitionError("record part")
	}
	if _, exists := s.parts[result.PartNumber]; exists {
		return fmt.Errorf("multipart: part %d recorded twice", result.PartNumber)
	}
	s.parts[result.PartNumber] = result
	return nil
}

func (s *Session) beginComplete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitiated {
		return s.transitionError("complete")
	}
	s.state = StateCompleting
	return nil
}

func (s *Session) finishComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateCompleted
}

// beginAbort moves toward the aborted terminal state. A session that
// already reached a terminal state stays there.
func (s *Session) beginAbort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateInitiated, StateCompleting:
		s.state = StateAborting
		return nil
	default:
		return s.transitionError("abort")
	}
}

func (s *Session) finishAbort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateAborted
}

// Parts returns the recorded parts ordered by part number.
func (s *Session) Parts() []PartResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PartResult, 0, len(s.parts))
	for _, p := range s.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out
}

func (s *Session) transitionError(action string) error {
	return fmt.Errorf("multipart: cannot %s upload in state %s", action, s.state)
}
