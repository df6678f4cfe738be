package loop

import (
	"errors"
	"fmt"
)

// None is the value of Registry.Highest when no slot is active.
const None = -1

var (
	ErrCapacityExceeded = errors.New("key exceeds event table capacity")
	ErrEmptyMask        = errors.New("mask carries no interest")
)

// Callback is invoked by the loop for every dispatched event. data is the
// value stored with Registry.Add; the loop does not own it.
type Callback func(l *Loop, key int, data any, mask Mask)

// Record is one slot of the registry.
type Record struct {
	Mask     Mask
	Callback Callback
	Data     any
}

// Active reports whether the slot carries any interest.
func (r *Record) Active() bool {
	return r.Mask.Interest() != 0
}

// Registry is a fixed-capacity slot table indexed directly by key.
// Slots are never freed, only reset to the unused marker.
//
// Each slot has a generation that advances whenever an unused slot becomes
// active, so an event read for an earlier occupant of the key can be told
// apart from one for the current occupant.
type Registry struct {
	records     []Record
	generations []uint64
	highest     int
}

// NewRegistry returns a registry with capacity unused slots.
func NewRegistry(capacity int) *Registry {
	if capacity < 0 {
		capacity = 0
	}
	records := make([]Record, capacity)
	for i := range records {
		records[i].Mask = MaskAdd
	}
	return &Registry{
		records:     records,
		generations: make([]uint64, capacity),
		highest:     None,
	}
}

func (r *Registry) Capacity() int {
	return len(r.records)
}

// Highest returns the greatest active key, or None.
func (r *Registry) Highest() int {
	return r.highest
}

// Add merges mask into the interest of key and stores callback and data.
func (r *Registry) Add(key int, mask Mask, callback Callback, data any) error {
	if key < 0 || key >= len(r.records) {
		return fmt.Errorf("%w: key %d, capacity %d", ErrCapacityExceeded, key, len(r.records))
	}
	if mask.Interest() == 0 {
		return ErrEmptyMask
	}

	rec := &r.records[key]
	if !rec.Active() {
		r.generations[key]++
	}
	rec.Mask |= mask.Interest()
	rec.Callback = callback
	rec.Data = data
	if key > r.highest {
		r.highest = key
	}
	return nil
}

// Remove clears mask from the interest of key. Removing from an unused or
// out-of-range slot does nothing.
func (r *Registry) Remove(key int, mask Mask) {
	if key < 0 || key >= len(r.records) {
		return
	}
	rec := &r.records[key]
	if !rec.Active() {
		return
	}

	rec.Mask &^= mask.Interest()
	if rec.Active() {
		return
	}
	rec.Mask = MaskAdd
	rec.Callback = nil
	rec.Data = nil

	if key == r.highest {
		i := r.highest - 1
		for ; i >= 0; i-- {
			if r.records[i].Active() {
				break
			}
		}
		r.highest = i
	}
}

// Get returns the slot for key, or nil when key is out of range.
func (r *Registry) Get(key int) *Record {
	if key < 0 || key >= len(r.records) {
		return nil
	}
	return &r.records[key]
}

// Active reports whether key is in range and carries interest.
func (r *Registry) Active(key int) bool {
	rec := r.Get(key)
	return rec != nil && rec.Active()
}

// Generation returns the occupancy generation of key, or 0 when key is out
// of range.
func (r *Registry) Generation(key int) uint64 {
	if key < 0 || key >= len(r.generations) {
		return 0
	}
	return r.generations[key]
}
