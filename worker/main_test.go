package main

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/register-radar/internal/ingest"
	"github.com/DeafMist/register-radar/internal/logger"
)

type stubRunner struct {
	reqs []ingest.Request
	rep  ingest.Report
}

func (s *stubRunner) Run(_ context.Context, req ingest.Request) ingest.Report {
	s.reqs = append(s.reqs, req)
	return s.rep
}

func TestProcessMessageRunsIngest(t *testing.T) {
	runner := &stubRunner{rep: ingest.Report{RunID: "r1", Source: ingest.SourceRemote, Stored: 3}}

	msg := kafka.Message{Value: []byte(`{"start_date":" 2025-01-01 ","end_date":"2025-01-31","type":"Rule"}`)}
	require.NoError(t, processMessage(context.Background(), logger.Discard(), runner, msg))
	require.Equal(t, []ingest.Request{{Start: "2025-01-01", End: "2025-01-31", Type: "Rule"}}, runner.reqs)
}

func TestProcessMessageEmptyBodyUsesDefaults(t *testing.T) {
	runner := &stubRunner{}
	require.NoError(t, processMessage(context.Background(), logger.Discard(), runner, kafka.Message{}))
	require.Equal(t, []ingest.Request{{}}, runner.reqs)
}

func TestProcessMessageRejectsUnusablePayloads(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"start":"2025-01-01"}`,
		`{"start_date":"01/01/2025"}`,
		`{"end_date":"2025-13-01"}`,
		`{"start_date":"2025-02-01","end_date":"2025-01-01"}`,
	} {
		runner := &stubRunner{}
		err := processMessage(context.Background(), logger.Discard(), runner, kafka.Message{Value: []byte(raw)})
		require.Error(t, err, raw)
		require.Empty(t, runner.reqs, raw)
	}
}

func TestProcessMessageRunFailureIsNotRedelivered(t *testing.T) {
	runner := &stubRunner{rep: ingest.Report{RunID: "r2", Err: context.DeadlineExceeded}}
	require.NoError(t, processMessage(context.Background(), logger.Discard(), runner, kafka.Message{Value: []byte(`{}`)}))
	require.Len(t, runner.reqs, 1)
}
