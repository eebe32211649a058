// Package session holds the samples recorded by a profiler run and turns
// them into call trees.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/stacksampler/internal/calltree"
	"github.com/getsentry/stacksampler/internal/errorutil"
	"github.com/getsentry/stacksampler/internal/frame"
	"github.com/getsentry/stacksampler/internal/storageutil"
)

type Session struct {
	ID           string            `json:"id"`
	FrameRecords []calltree.Record `json:"frame_records"`
	StartTime    time.Time         `json:"start_time"`
	// Duration and CPUTime are in seconds.
	Duration    float64 `json:"duration"`
	CPUTime     float64 `json:"cpu_time"`
	SampleCount int     `json:"sample_count"`
	// StartCallStack is the stack that started the profiler, outermost
	// first.
	StartCallStack []string `json:"start_call_stack"`
	Target         string   `json:"target,omitempty"`
}

func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func New(start time.Time, startCallStack []string, target string) *Session {
	return &Session{
		ID:             NewID(),
		StartTime:      start,
		StartCallStack: startCallStack,
		Target:         target,
	}
}

// RecordSample appends a sample: stack is outermost first, time in seconds.
func (s *Session) RecordSample(stack []string, time float64) {
	s.FrameRecords = append(s.FrameRecords, calltree.Record{Stack: stack, Time: time})
	s.SampleCount++
}

// Combine returns a new session holding the samples of a followed by the
// samples of b. The session that started first gives the start time and
// start call stack.
func Combine(a, b *Session) *Session {
	if b.StartTime.Before(a.StartTime) {
		a, b = b, a
	}
	c := Session{
		ID:             NewID(),
		FrameRecords:   make([]calltree.Record, 0, len(a.FrameRecords)+len(b.FrameRecords)),
		StartTime:      a.StartTime,
		Duration:       a.Duration + b.Duration,
		CPUTime:        a.CPUTime + b.CPUTime,
		SampleCount:    a.SampleCount + b.SampleCount,
		StartCallStack: a.StartCallStack,
		Target:         a.Target,
	}
	c.FrameRecords = append(c.FrameRecords, a.FrameRecords...)
	c.FrameRecords = append(c.FrameRecords, b.FrameRecords...)
	return &c
}

// RootFrame builds the call tree of the session. With trimStem, the frames
// above the call that started the profiler are removed as long as they
// hold no time of their own and call nothing else.
func (s *Session) RootFrame(trimStem bool) *calltree.Tree {
	t := calltree.Build(s.FrameRecords)
	if trimStem {
		s.trimStem(t)
	}
	return t
}

func (s *Session) trimStem(t *calltree.Tree) {
	if t.Empty() || len(s.StartCallStack) == 0 {
		return
	}
	stem := s.StartCallStack
	id := t.Root
	if t.Node(id).Identifier != frame.IdentifierOnly(stem[0]) {
		return
	}
	stem = stem[1:]
	for len(stem) > 0 {
		n := t.Node(id)
		children := t.Children(id)
		if n.SelfTime != 0 || len(children) != 1 {
			break
		}
		child := children[0]
		if t.Node(child).Identifier != frame.IdentifierOnly(stem[0]) {
			break
		}
		id = child
		stem = stem[1:]
	}
	t.Reroot(id)
}

// Validate checks the samples can be built into a tree.
func (s *Session) Validate() error {
	for i, r := range s.FrameRecords {
		if len(r.Stack) == 0 {
			return fmt.Errorf("session: %w: sample %d has an empty stack", errorutil.ErrDataIntegrity, i)
		}
		if r.Time < 0 {
			return fmt.Errorf("session: %w: sample %d has a negative time", errorutil.ErrDataIntegrity, i)
		}
	}
	return nil
}

func ObjectName(id string) string {
	return "sessions/" + id + ".json.lz4"
}

// Save writes the session to h.
func (s *Session) Save(ctx context.Context, h storageutil.ObjectHandler) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := storageutil.CompressedWrite(ctx, h, ObjectName(s.ID), s); err != nil {
		return fmt.Errorf("session: save %s: %w", s.ID, err)
	}
	log.Debug().Str("session_id", s.ID).Int("samples", s.SampleCount).Msg("session saved")
	return nil
}

// Load reads the session with the given id from h.
func Load(ctx context.Context, h storageutil.ObjectHandler, id string) (*Session, error) {
	var s Session
	if err := storageutil.UnmarshalCompressed(ctx, h, ObjectName(id), &s); err != nil {
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	log.Debug().Str("session_id", s.ID).Int("samples", s.SampleCount).Msg("session loaded")
	return &s, nil
}

// Delete removes the session with the given id from h.
func Delete(ctx context.Context, h storageutil.ObjectHandler, id string) error {
	if err := h.Delete(ctx, ObjectName(id)); err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	return nil
}
