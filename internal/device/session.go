package device

import (
	"sync"
	"time"
)

// Session tracks the single charge transaction a device may run at a time.
// The in-progress flag is the authoritative gate for remote start/stop
// decisions.
type Session struct {
	mu            sync.Mutex
	inProgress    bool
	transactionID string
	meterStart    int
	startedAt     time.Time
	seqNo         int
}

// Begin marks the session active. It refuses to start a second transaction
// while one is in progress.
func (s *Session) Begin(transactionID string, meterStart int, startedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inProgress {
		return false
	}
	s.inProgress = true
	s.transactionID = transactionID
	s.meterStart = meterStart
	s.startedAt = startedAt
	s.seqNo = 0
	return true
}

// Clear drops the in-progress flag. The transaction id is kept so a late
// StopTransaction can still reference it.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inProgress = false
}

func (s *Session) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

func (s *Session) TransactionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactionID
}

// SetTransactionID records the id assigned by the central system (OCPP 1.6
// assigns it server-side on StartTransaction).
func (s *Session) SetTransactionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactionID = id
}

func (s *Session) MeterStart() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meterStart
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// NextSeqNo increments and returns the OCPP 2.0.1 TransactionEvent sequence
// number.
func (s *Session) NextSeqNo() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqNo++
	return s.seqNo
}

// CanStart reports whether a new transaction may begin.
func (s *Session) CanStart() bool { return !s.InProgress() }

// CanStop reports whether the transaction identified by reqID may be
// stopped. The sentinel "-1" matches any running transaction.
func (s *Session) CanStop(reqID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress && (reqID == "-1" || reqID == s.transactionID)
}
