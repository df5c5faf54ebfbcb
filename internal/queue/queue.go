// Package queue implements the FIFO track queue owned by a session.
//
// A Queue is not safe for concurrent use. Each session's serialized
// operation lane is the only mutator, which is the concurrency contract
// the rest of the system relies on.
package queue

import "github.com/mwynn/groovebox/internal/track"

// Queue is an ordered sequence of tracks, insertion order = play order.
type Queue struct {
	tracks []track.Track
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends a track to the tail.
func (q *Queue) Enqueue(t track.Track) {
	q.tracks = append(q.tracks, t)
}

// DequeueNext removes and returns the head of the queue.
// The second return value is false if the queue is empty.
func (q *Queue) DequeueNext() (track.Track, bool) {
	if len(q.tracks) == 0 {
		return track.Track{}, false
	}
	head := q.tracks[0]
	q.tracks = q.tracks[1:]
	return head, true
}

// PeekFirst returns a copy of up to n head elements without mutation.
func (q *Queue) PeekFirst(n int) []track.Track {
	if n > len(q.tracks) {
		n = len(q.tracks)
	}
	if n <= 0 {
		return nil
	}
	out := make([]track.Track, n)
	copy(out, q.tracks[:n])
	return out
}

// Len returns the number of queued tracks.
func (q *Queue) Len() int {
	return len(q.tracks)
}

// IsEmpty reports whether the queue has no tracks.
func (q *Queue) IsEmpty() bool {
	return len(q.tracks) == 0
}

// Clear removes all queued tracks.
func (q *Queue) Clear() {
	q.tracks = nil
}
