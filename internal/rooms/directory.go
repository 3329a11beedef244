// Package rooms keeps the directory of rooms the bot has discovered.
package rooms

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/umuteyi/movliqbot/internal/api"
)

// DefaultCapacity applies when the server omits maxParticipants or sends 0.
const DefaultCapacity = 6

// DefaultOpenStatus is the status value of a room accepting joins.
const DefaultOpenStatus = 1

// Lister fetches the current room listing. *api.Client implements it.
type Lister interface {
	ListRooms(ctx context.Context, token string) ([]api.Room, error)
}

// Room is the directory's record of a room. Fields are fixed at first
// discovery.
type Room struct {
	ID        int64
	Name      string
	CreatedAt time.Time
	StartTime time.Time
	Capacity  int
	// Status is the status seen at first discovery. Openness is decided per
	// fetch from the live value.
	Status int
}

// Age returns how long ago the room was created, or false when the server
// did not report a creation time.
func (r Room) Age(now time.Time) (time.Duration, bool) {
	if r.CreatedAt.IsZero() {
		return 0, false
	}
	return now.Sub(r.CreatedAt), true
}

// Options configures a Directory.
type Options struct {
	DefaultCapacity int
	OpenStatus      int
}

// Directory is a grow-only, write-once map of discovered rooms. It is safe
// for concurrent use.
type Directory struct {
	lister     Lister
	capacity   int
	openStatus int

	mu    sync.RWMutex
	rooms map[int64]Room
}

// NewDirectory returns an empty Directory.
func NewDirectory(lister Lister, opts Options) *Directory {
	capacity := opts.DefaultCapacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	openStatus := opts.OpenStatus
	if openStatus == 0 {
		openStatus = DefaultOpenStatus
	}
	return &Directory{
		lister:     lister,
		capacity:   capacity,
		openStatus: openStatus,
		rooms:      make(map[int64]Room),
	}
}

// ListOpenRooms fetches the listing with token, records rooms not seen
// before and returns the stored records of the fetched rooms whose live
// status is open, in listing order.
func (d *Directory) ListOpenRooms(ctx context.Context, token string) ([]Room, error) {
	fetched, err := d.lister.ListRooms(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("list open rooms: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	open := make([]Room, 0, len(fetched))
	seen := make(map[int64]bool, len(fetched))
	for _, raw := range fetched {
		rec, ok := d.rooms[raw.ID]
		if !ok {
			rec = d.record(raw)
			d.rooms[raw.ID] = rec
		}
		if raw.Status != d.openStatus || seen[raw.ID] {
			continue
		}
		seen[raw.ID] = true
		open = append(open, rec)
	}
	return open, nil
}

func (d *Directory) record(raw api.Room) Room {
	capacity := raw.MaxParticipants
	if capacity <= 0 {
		capacity = d.capacity
	}
	return Room{
		ID:        raw.ID,
		Name:      raw.Name,
		CreatedAt: raw.CreatedAt.Time,
		StartTime: raw.StartTime.Time,
		Capacity:  capacity,
		Status:    raw.Status,
	}
}

// Get returns the record for id.
func (d *Directory) Get(id int64) (Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[id]
	return r, ok
}

// Len returns the number of rooms ever discovered.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

// All returns every record sorted by id.
func (d *Directory) All() []Room {
	d.mu.RLock()
	out := make([]Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
