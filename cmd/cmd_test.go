package cmd_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/incidents/cmd"
	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/internal/job"
	"github.com/jonesrussell/north-cloud/incidents/internal/queue"
)

type fakeEnqueuer struct {
	failLast bool
	err      error
	got      []*job.Envelope
}

func (f *fakeEnqueuer) EnqueueBatch(_ context.Context, _ queue.Name, envs []*job.Envelope) (queue.BatchResult, error) {
	f.got = envs
	var result queue.BatchResult
	for i, env := range envs {
		if f.failLast && i == len(envs)-1 {
			result.Failed = append(result.Failed, env.ID)
			continue
		}
		result.Succeeded = append(result.Succeeded, env.ID)
	}
	return result, f.err
}

type fakeStats map[queue.Name]queue.Stats

func (f fakeStats) Stats(_ context.Context, name queue.Name) (queue.Stats, error) {
	s, ok := f[name]
	if !ok {
		return queue.Stats{}, queue.ErrUnknownQueue
	}
	return s, nil
}

func TestExtractEnvelopes(t *testing.T) {
	t.Parallel()

	envs := cmd.ExtractEnvelopes([]string{"src-1", "src-2"}, true, "openai", "corr-1")

	require.Len(t, envs, 2)
	for i, env := range envs {
		assert.Equal(t, job.TypeExtractEvent, env.Type)
		assert.Equal(t, "corr-1", env.CorrelationID)
		p, ok := env.Payload.(job.ExtractPayload)
		require.True(t, ok)
		assert.Equal(t, []string{"src-1", "src-2"}[i], p.SourceID)
		assert.True(t, p.Force)
		assert.Equal(t, "openai", p.CapabilityHint)
	}
	assert.NotEqual(t, envs[0].ID, envs[1].ID)
}

func TestClusterEnvelopes_DefaultCorrelation(t *testing.T) {
	t.Parallel()

	envs := cmd.ClusterEnvelopes([]string{"evt-1"}, "")

	require.Len(t, envs, 1)
	assert.Equal(t, job.TypeClusterEvent, envs[0].Type)
	assert.Equal(t, envs[0].ID, envs[0].CorrelationID)
	assert.Equal(t, job.ClusterPayload{EventID: "evt-1"}, envs[0].Payload)
}

func TestPublish(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		enqueuer  *fakeEnqueuer
		wantErr   bool
		wantLines []string
	}{
		{
			name:      "all accepted",
			enqueuer:  &fakeEnqueuer{},
			wantLines: []string{"extraction: 2 enqueued, 0 failed"},
		},
		{
			name:      "partial failure",
			enqueuer:  &fakeEnqueuer{failLast: true},
			wantErr:   true,
			wantLines: []string{"extraction: 1 enqueued, 1 failed", "  failed: "},
		},
		{
			name:     "transport error",
			enqueuer: &fakeEnqueuer{err: errors.New("connection refused")},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			envs := cmd.ExtractEnvelopes([]string{"src-1", "src-2"}, false, "", "")

			err := cmd.Publish(context.Background(), &out, tt.enqueuer, queue.Extraction, envs, infralogger.NewNop())

			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Len(t, tt.enqueuer.got, 2)
			for _, line := range tt.wantLines {
				assert.Contains(t, out.String(), line)
			}
		})
	}
}

func TestRenderStats(t *testing.T) {
	t.Parallel()

	stats := fakeStats{
		queue.Extraction: {Queue: queue.Extraction, Stream: "incidents:extraction", Length: 12, Pending: 3, DeadLetter: 1},
		queue.Clustering: {Queue: queue.Clustering, Stream: "incidents:clustering", Length: 4},
	}

	var out bytes.Buffer
	err := cmd.RenderStats(context.Background(), &out, stats, []queue.Name{queue.Clustering, queue.Extraction})

	require.NoError(t, err)
	assert.Contains(t, out.String(), "DEAD LETTER")
	assert.Contains(t, out.String(), "incidents:extraction")
	assert.Contains(t, out.String(), "incidents:clustering")
}

func TestRenderStats_UnknownQueue(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := cmd.RenderStats(context.Background(), &out, fakeStats{}, []queue.Name{"missing"})

	require.ErrorIs(t, err, queue.ErrUnknownQueue)
}
