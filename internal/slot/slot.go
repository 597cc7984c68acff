// Package slot models the two user supplied inputs of a compile.
//
// A Board owns both slots and is mutated only from the foreground context.
// Every population notifies the board's listeners with an immutable Pair so
// that consumers never observe a slot mid-replacement.
package slot

import (
	"errors"
	"fmt"
	"image"
	"reflect"
	"sync"
)

// Role identifies one of the two inputs.
type Role int

const (
	// Primary is the image shown by the standard PNG reader.
	Primary Role = iota
	// Secondary is the image shown by the alternate reader.
	Secondary
)

func (r Role) String() string {
	switch r {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ErrEmptyImage is returned when a slot is populated without pixels or with
// zero-area bounds.
var ErrEmptyImage = errors.New("slot image is required")

// Slot is one input. The zero Slot is empty. A populated Slot always carries
// an image; Source is empty when the image came from memory rather than a file.
type Slot struct {
	role   Role
	source string
	image  image.Image
}

// Role reports which input the slot feeds.
func (s Slot) Role() Role { return s.role }

// Source returns the originating file, if any.
func (s Slot) Source() string { return s.source }

// Image returns the decoded image, or nil for an empty slot.
func (s Slot) Image() image.Image { return s.image }

// Populated reports whether the slot holds an image.
func (s Slot) Populated() bool { return s.image != nil }

// Pair is a snapshot of both slots.
type Pair struct {
	Primary   Slot
	Secondary Slot
	// Revision increases with every population of either slot.
	Revision uint64
}

// Complete reports whether both slots hold an image.
func (p Pair) Complete() bool {
	return p.Primary.Populated() && p.Secondary.Populated()
}

// Get returns the slot for role.
func (p Pair) Get(role Role) Slot {
	if role == Secondary {
		return p.Secondary
	}
	return p.Primary
}

// Listener is notified after every population with the new snapshot.
type Listener func(Pair)

// Board owns the pair of slots for one session.
type Board struct {
	mu        sync.Mutex
	pair      Pair
	listeners []Listener
}

// NewBoard returns a board with both slots empty.
func NewBoard() *Board {
	return &Board{
		pair: Pair{
			Primary:   Slot{role: Primary},
			Secondary: Slot{role: Secondary},
		},
	}
}

// Subscribe registers l for future populations.
func (b *Board) Subscribe(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Snapshot returns the current pair.
func (b *Board) Snapshot() Pair {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pair
}

// Set replaces the slot for role wholesale and notifies listeners. Listeners
// run synchronously on the caller's goroutine, which must be the foreground
// context.
func (b *Board) Set(role Role, source string, img image.Image) (Pair, error) {
	if isEmpty(img) {
		return Pair{}, fmt.Errorf("%w: %s slot", ErrEmptyImage, role)
	}
	if role != Primary && role != Secondary {
		return Pair{}, fmt.Errorf("unknown slot role %d", int(role))
	}

	b.mu.Lock()
	next := Slot{role: role, source: source, image: img}
	if role == Primary {
		b.pair.Primary = next
	} else {
		b.pair.Secondary = next
	}
	b.pair.Revision++
	snapshot := b.pair
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
	return snapshot, nil
}

// isEmpty reports images that cannot fill a slot: nil, a typed nil pointer, or
// zero-area bounds.
func isEmpty(img image.Image) bool {
	if img == nil {
		return true
	}
	if v := reflect.ValueOf(img); v.Kind() == reflect.Pointer && v.IsNil() {
		return true
	}
	return img.Bounds().Empty()
}

// Apply populates the slot described by a Loaded input.
func (b *Board) Apply(in Loaded) (Pair, error) {
	return b.Set(in.Role, in.Source, in.Image)
}
