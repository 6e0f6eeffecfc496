package intel

import (
	"context"
	"sync"
)

// Script is a scriptable Intelligence used by tests and dry runs. Each call
// pops the next queued reply for its method; an exhausted queue yields the
// empty result, matching the backend's "nothing found" contract.
type Script struct {
	mu sync.Mutex

	ObserveReplies []ObserveReply
	ExtractReplies []ExtractReply
	ActErrs        []error

	ObserveCalls []string
	ExtractCalls []string
	ActCalls     []string
}

type ObserveReply struct {
	Observations []Observation
	Err          error
}

type ExtractReply struct {
	Value string
	Err   error
}

func (s *Script) Observe(ctx context.Context, description string) ([]Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ObserveCalls = append(s.ObserveCalls, description)
	if len(s.ObserveReplies) == 0 {
		return nil, nil
	}
	reply := s.ObserveReplies[0]
	s.ObserveReplies = s.ObserveReplies[1:]
	return reply.Observations, reply.Err
}

func (s *Script) Extract(ctx context.Context, instruction, schema string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExtractCalls = append(s.ExtractCalls, instruction)
	if len(s.ExtractReplies) == 0 {
		return "", nil
	}
	reply := s.ExtractReplies[0]
	s.ExtractReplies = s.ExtractReplies[1:]
	return reply.Value, reply.Err
}

func (s *Script) Act(ctx context.Context, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ActCalls = append(s.ActCalls, action)
	if len(s.ActErrs) == 0 {
		return nil
	}
	err := s.ActErrs[0]
	s.ActErrs = s.ActErrs[1:]
	return err
}

var _ Intelligence = (*Script)(nil)
