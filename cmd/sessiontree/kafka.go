package main

import (
	"github.com/getsentry/stacksampler/internal/nodetree"
	"github.com/getsentry/stacksampler/internal/session"
)

// SessionTreeKafkaMessage is the aggregated tree of a session, sent when the
// session is received.
type SessionTreeKafkaMessage struct {
	Environment string           `json:"environment,omitempty"`
	ID          string           `json:"session_id"`
	Release     string           `json:"release,omitempty"`
	Target      string           `json:"target,omitempty"`
	Timestamp   int64            `json:"timestamp"`
	Duration    float64          `json:"duration"`
	CPUTime     float64          `json:"cpu_time"`
	SampleCount int              `json:"sample_count"`
	Tree        *nodetree.Output `json:"tree"`
}

func buildSessionTreeKafkaMessage(s *session.Session, environment string, tree *nodetree.Output) SessionTreeKafkaMessage {
	return SessionTreeKafkaMessage{
		Environment: environment,
		ID:          s.ID,
		Release:     release,
		Target:      s.Target,
		Timestamp:   s.StartTime.Unix(),
		Duration:    s.Duration,
		CPUTime:     s.CPUTime,
		SampleCount: s.SampleCount,
		Tree:        tree,
	}
}
