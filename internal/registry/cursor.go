package registry

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"flareguard/pkg/logx"
)

// DiscoveryEvent is one polled recipient-discovery event, already reduced
// to the only fields the registry cares about.
type DiscoveryEvent struct {
	UpdateID int64
	SenderID int64
}

// Cursor returns the last processed update id (0 when absent).
func (s *Store) Cursor() (int64, error) {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	if err := s.cursorLock.Lock(); err != nil {
		return 0, fmt.Errorf("registry: acquire cursor lock: %w", err)
	}
	defer func() { _ = s.cursorLock.Unlock() }()
	return s.cursorLocked()
}

// SetCursor persists id as the new cursor. The cursor never regresses: a
// smaller id is silently ignored.
func (s *Store) SetCursor(id int64) error {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	if err := s.cursorLock.Lock(); err != nil {
		return fmt.Errorf("registry: acquire cursor lock: %w", err)
	}
	defer func() { _ = s.cursorLock.Unlock() }()

	cur, err := s.cursorLocked()
	if err != nil {
		return err
	}
	if id <= cur {
		return nil
	}
	blob, err := seal(s.aead, []byte(strconv.FormatInt(id, 10)))
	if err != nil {
		return err
	}
	return writeAtomic(s.cursorPath, blob)
}

// DiscoverNew consumes a batch of polled events: sender identifiers not
// already present are appended to the set, and the cursor advances to the
// highest update id observed so a later poll resumes after it even across
// a crash/restart. Calling it twice with the same batch adds nothing and
// moves the cursor at most once.
func (s *Store) DiscoverNew(events []DiscoveryEvent) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}
	cursor, err := s.Cursor()
	if err != nil {
		return nil, err
	}

	maxID := cursor
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		if ev.UpdateID > maxID {
			maxID = ev.UpdateID
		}
		if ev.SenderID > 0 {
			ids = append(ids, ev.SenderID)
		}
	}

	added, err := s.Add(ids...)
	if err != nil {
		return nil, err
	}
	if maxID > cursor {
		if err := s.SetCursor(maxID); err != nil {
			return added, err
		}
	}
	for _, id := range added {
		s.log.Info("new subscriber registered", logx.Int64("chat_id", id))
	}
	return added, nil
}

func (s *Store) cursorLocked() (int64, error) {
	blob, err := os.ReadFile(s.cursorPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("registry: read cursor: %w", err)
	}
	pt, err := open(s.aead, blob)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(pt)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("registry: parse cursor: %w", err)
	}
	return id, nil
}
