package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"election_results/pkg/data"
	"election_results/pkg/metrics"
)

func testEngine(ledger Ledger, batchSize int) *Engine {
	m := metrics.New(prometheus.NewRegistry())
	return NewEngine(ledger, m, zap.NewNop(), batchSize)
}

// ingestFile pushes one file through a pipeline and returns the upload id.
func ingestFile(t *testing.T, ledger *fakeLedger, input string) int64 {
	t.Helper()
	p := testPipeline(ledger, 10)
	events := collect(p.Run(context.Background(), strings.NewReader(input), "f.txt"))
	created, ok := events[0].(Created)
	require.True(t, ok, "expected created event, got %T", events[0])
	return created.UploadID
}

func TestRollbackHappyPath(t *testing.T) {
	ledger := newFakeLedger()
	first := ingestFile(t, ledger, "Cardiff West,100,C\nBath,50,LD\n")
	second := ingestFile(t, ledger, "Cardiff West,900,L\n")

	events := collect(testEngine(ledger, 10).Run(context.Background(), second))
	require.Len(t, events, 3)

	started, ok := events[0].(Started)
	require.True(t, ok, "first event should be started, got %T", events[0])
	assert.Equal(t, second, started.UploadID)
	assert.Equal(t, 1, started.TotalAffected)

	_, ok = events[1].(Progress)
	require.True(t, ok, "second event should be progress, got %T", events[1])

	complete, ok := events[2].(RollbackComplete)
	require.True(t, ok, "last event should be complete, got %T", events[2])
	assert.Equal(t, 1, complete.RolledBack)

	// The earlier upload's tally is current again.
	current, err := ledger.CurrentVersion(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, first, current.UploadID)
	assert.Equal(t, data.PartyVotes{"C": 100}, current.PartyVotes)

	// Untouched constituencies keep their state.
	current, err = ledger.CurrentVersion(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, data.PartyVotes{"LD": 50}, current.PartyVotes)
}

func TestRollbackLastUploadClearsState(t *testing.T) {
	ledger := newFakeLedger()
	only := ingestFile(t, ledger, "Cardiff West,100,C\n")

	events := collect(testEngine(ledger, 10).Run(context.Background(), only))
	_, ok := events[len(events)-1].(RollbackComplete)
	require.True(t, ok)

	current, err := ledger.CurrentVersion(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestRollbackOrderIndependent(t *testing.T) {
	ledger := newFakeLedger()
	first := ingestFile(t, ledger, "Cardiff West,1,C\n")
	second := ingestFile(t, ledger, "Cardiff West,2,C\n")
	third := ingestFile(t, ledger, "Cardiff West,3,C\n")

	engine := testEngine(ledger, 10)

	// Remove the middle upload first, then the newest.
	collect(engine.Run(context.Background(), second))

	current, err := ledger.CurrentVersion(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, third, current.UploadID)

	collect(engine.Run(context.Background(), third))

	current, err = ledger.CurrentVersion(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, first, current.UploadID)
}

func TestRollbackNotFound(t *testing.T) {
	ledger := newFakeLedger()

	events := collect(testEngine(ledger, 10).Run(context.Background(), 42))
	require.Len(t, events, 1)

	failure, ok := events[0].(Failure)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Err, data.ErrNotFound)
}

func TestRollbackAlreadyDeleted(t *testing.T) {
	ledger := newFakeLedger()
	id := ingestFile(t, ledger, "Cardiff West,100,C\n")

	engine := testEngine(ledger, 10)
	collect(engine.Run(context.Background(), id))

	events := collect(engine.Run(context.Background(), id))
	require.Len(t, events, 1)

	failure, ok := events[0].(Failure)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Err, data.ErrAlreadyDeleted)
}

func TestRollbackUploadStillProcessing(t *testing.T) {
	ledger := newFakeLedger()
	u, err := ledger.CreateUpload(context.Background(), "inflight.txt", 10)
	require.NoError(t, err)

	events := collect(testEngine(ledger, 10).Run(context.Background(), u.ID))
	require.Len(t, events, 1)

	failure, ok := events[0].(Failure)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Err, ErrUploadInFlight)
}

func TestRollbackFailedUploadAllowed(t *testing.T) {
	ledger := newFakeLedger()
	u, err := ledger.CreateUpload(context.Background(), "failed.txt", 0)
	require.NoError(t, err)
	require.NoError(t, ledger.FailUpload(context.Background(), u.ID, nil))

	events := collect(testEngine(ledger, 10).Run(context.Background(), u.ID))

	started, ok := events[0].(Started)
	require.True(t, ok, "expected started event, got %T", events[0])
	assert.Equal(t, 0, started.TotalAffected)

	complete, ok := events[len(events)-1].(RollbackComplete)
	require.True(t, ok)
	assert.Equal(t, 0, complete.RolledBack)
}

func TestRollbackProgressBatching(t *testing.T) {
	ledger := newFakeLedger()
	p := testPipeline(ledger, 10)

	// Five constituencies in one upload.
	m := p.matcher
	lines := make([]string, 5)
	for i := range lines {
		name := strings.Repeat("z", i+1)
		m.Add(name, int64(100+i))
		lines[i] = name + ",10,C"
	}
	events := collect(p.Run(context.Background(), strings.NewReader(strings.Join(lines, "\n")), "five.txt"))
	created := events[0].(Created)

	rbEvents := collect(testEngine(ledger, 2).Run(context.Background(), created.UploadID))

	var progress []Progress
	for _, ev := range rbEvents {
		if pe, ok := ev.(Progress); ok {
			progress = append(progress, pe)
		}
	}
	require.Len(t, progress, 3)
	assert.Equal(t, 2, progress[0].Processed)
	assert.Equal(t, 4, progress[1].Processed)
	assert.Equal(t, 5, progress[2].Processed)
	assert.InDelta(t, 100.0, progress[2].Percent, 0.001)
}
