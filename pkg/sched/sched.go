// Package sched picks the next frame to send on a link.
//
// Sources are grouped in priority classes. A higher class is always drained
// first; sources within one class take turns, one frame each.
package sched

import "fmt"

// Priority is a scheduling class
type Priority int

const (
	Control Priority = iota
	High
	Normal
	Low

	numPriorities
)

// String returns string representation of Priority
func (p Priority) String() string {
	switch p {
	case Control:
		return "Control"
	case High:
		return "High"
	case Normal:
		return "Normal"
	case Low:
		return "Low"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Valid reports whether p is a known class
func (p Priority) Valid() bool {
	return p >= Control && p < numPriorities
}

// Frame is one PDU ready for the link. Sent, when set, runs after the
// lower layer accepted the frame.
type Frame struct {
	PDU  []byte
	Sent func()
}

// Source produces frames for one channel
type Source interface {
	// NextFrame returns the next frame, or false when nothing is ready
	NextFrame() (Frame, bool)
}

// Scheduler is a per-link frame picker. Not safe for concurrent use.
type Scheduler struct {
	classes [numPriorities][]Source
	member  map[Source]Priority
}

// New creates an empty scheduler
func New() *Scheduler {
	return &Scheduler{member: make(map[Source]Priority)}
}

// Ready marks src as having frames in class prio. A source already queued
// keeps its place.
func (s *Scheduler) Ready(src Source, prio Priority) {
	if !prio.Valid() {
		prio = Normal
	}
	if _, ok := s.member[src]; ok {
		return
	}
	s.member[src] = prio
	s.classes[prio] = append(s.classes[prio], src)
}

// Remove drops src from the scheduler
func (s *Scheduler) Remove(src Source) {
	prio, ok := s.member[src]
	if !ok {
		return
	}
	delete(s.member, src)
	ring := s.classes[prio]
	for i, q := range ring {
		if q == src {
			s.classes[prio] = append(ring[:i], ring[i+1:]...)
			return
		}
	}
}

// Next returns the next frame in priority and round robin order. Sources
// with nothing left are dropped until they become Ready again.
func (s *Scheduler) Next() (Frame, Priority, bool) {
	for p := Control; p < numPriorities; p++ {
		for len(s.classes[p]) > 0 {
			src := s.classes[p][0]
			s.classes[p] = s.classes[p][1:]
			f, ok := src.NextFrame()
			if !ok {
				delete(s.member, src)
				continue
			}
			s.classes[p] = append(s.classes[p], src)
			return f, p, true
		}
	}
	return Frame{}, 0, false
}

// Pending returns the number of queued sources
func (s *Scheduler) Pending() int {
	return len(s.member)
}

// Reset drops every source
func (s *Scheduler) Reset() {
	for p := range s.classes {
		s.classes[p] = nil
	}
	s.member = make(map[Source]Priority)
}

// Queue is a FIFO Source, used for signaling and basic mode traffic
type Queue struct {
	frames []Frame
}

// Push appends a frame
func (q *Queue) Push(f Frame) {
	q.frames = append(q.frames, f)
}

// Len returns the number of queued frames
func (q *Queue) Len() int {
	return len(q.frames)
}

// Clear drops every queued frame
func (q *Queue) Clear() {
	q.frames = nil
}

// NextFrame implements Source
func (q *Queue) NextFrame() (Frame, bool) {
	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f := q.frames[0]
	q.frames[0] = Frame{}
	q.frames = q.frames[1:]
	return f, true
}
