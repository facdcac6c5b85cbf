// Package notification keeps the phone notifications currently shown on the
// watch in a fixed-capacity store.
package notification

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srg/zswlink/internal/gadgetbridge"
)

const (
	// DefaultCapacity is the number of notifications kept.
	DefaultCapacity = 5
	// DefaultFieldLen is the size of each text field, terminator included.
	DefaultFieldLen = 50
	// NotSet marks a free slot.
	NotSet uint32 = 0xFFFFFFFF
)

var (
	// ErrNotFound is returned when removing an id that is not stored.
	ErrNotFound = errors.New("notification: not found")

	// ErrReservedID is returned when adding a notification whose id is NotSet.
	ErrReservedID = errors.New("notification: id is reserved")
)

// Source is the app a notification originated from.
type Source int

const (
	SourceNone Source = iota
	SourceMessenger
	SourceGmail
)

func (s Source) String() string {
	switch s {
	case SourceMessenger:
		return "messenger"
	case SourceGmail:
		return "gmail"
	default:
		return "none"
	}
}

// Notification is a stored notification.
type Notification struct {
	ID        uint32
	Source    Source
	Sender    string
	Title     string
	Body      string
	Timestamp time.Time
}

// Store is a fixed set of slots. When full, adding evicts the lowest id,
// which the phone assigns in increasing order.
type Store struct {
	mu       sync.Mutex
	slots    []Notification
	count    int
	fieldLen int
	now      func() time.Time
}

// NewStore creates a store with capacity slots and fieldLen byte text fields.
func NewStore(capacity, fieldLen int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if fieldLen <= 1 {
		fieldLen = DefaultFieldLen
	}
	s := &Store{
		slots:    make([]Notification, capacity),
		fieldLen: fieldLen,
		now:      time.Now,
	}
	for i := range s.slots {
		s.slots[i].ID = NotSet
	}
	return s
}

// Add stores n and returns the stored record. A notification with an id
// already present replaces it in place.
func (s *Store) Add(n gadgetbridge.Notify) (Notification, error) {
	if n.ID == NotSet {
		return Notification{}, ErrReservedID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.find(n.ID)
	if idx < 0 {
		idx = s.find(NotSet)
		if idx < 0 {
			idx = s.oldest()
			s.slots[idx].ID = NotSet
			s.count--
		}
		s.count++
	}

	s.slots[idx] = s.classify(n)
	return s.slots[idx], nil
}

func (s *Store) classify(n gadgetbridge.Notify) Notification {
	limit := s.fieldLen - 1
	rec := Notification{ID: n.ID, Timestamp: s.now()}

	switch n.Src {
	case "Messenger":
		rec.Source = SourceMessenger
		rec.Title = clip(n.Title, limit)
		rec.Body = clip(n.Body, limit)
		rec.Sender = clip(n.Sender, limit)
	case "Gmail":
		// {t:"notify",id:1670967782,src:"Gmail",title:"Jakob Krantz",body:"Nytt test\nDetta"}
		// TODO: split the subject (text before the first newline in body) into Title.
		rec.Source = SourceGmail
		rec.Body = clip(n.Body, limit)
		rec.Sender = clip(n.Title, limit)
		rec.Title = clip(n.Title, limit)
	default:
		rec.Source = SourceNone
		rec.Title = clip(n.Src, limit)
		rec.Body = clip(n.Body, limit)
		rec.Sender = clip(n.Sender, limit)
	}
	return rec
}

// Remove frees the slot holding id.
func (s *Store) Remove(id uint32) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	if id != NotSet {
		idx = s.find(id)
	}
	if idx < 0 {
		return Notification{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	removed := s.slots[idx]
	s.slots[idx] = Notification{ID: NotSet}
	s.count--
	return removed, nil
}

// Get returns the notification with the given id.
func (s *Store) Get(id uint32) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == NotSet {
		return Notification{}, false
	}
	if idx := s.find(id); idx >= 0 {
		return s.slots[idx], true
	}
	return Notification{}, false
}

// All returns a copy of the stored notifications in slot order.
func (s *Store) All() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Notification, 0, s.count)
	for _, n := range s.slots {
		if n.ID != NotSet {
			out = append(out, n)
		}
	}
	return out
}

// Newest returns the notification with the highest id.
func (s *Store) Newest() (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, n := range s.slots {
		if n.ID == NotSet {
			continue
		}
		if idx < 0 || n.ID > s.slots[idx].ID {
			idx = i
		}
	}
	if idx < 0 {
		return Notification{}, false
	}
	return s.slots[idx], true
}

// Count returns the number of stored notifications.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Capacity returns the number of slots.
func (s *Store) Capacity() int {
	return len(s.slots)
}

func (s *Store) find(id uint32) int {
	for i, n := range s.slots {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// oldest returns the slot with the lowest id; the first one wins ties.
func (s *Store) oldest() int {
	idx := -1
	for i, n := range s.slots {
		if n.ID == NotSet {
			continue
		}
		if idx < 0 || n.ID < s.slots[idx].ID {
			idx = i
		}
	}
	return idx
}

// clip cuts s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
