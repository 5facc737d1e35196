package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Recorder captures emitted events in order for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Emitter = (*Recorder)(nil)

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, ev := range r.events {
		names[i] = ev.Name
	}
	return names
}

func TestSpan_Success(t *testing.T) {
	rec := &Recorder{}
	meta := Metadata{"tenant_id": "tenant-1", "machine_id": "machine-1"}

	err := Span(context.Background(), rec, CategoryMachine, "setup", meta,
		func(context.Context) (Metadata, error) {
			return Metadata{"install_path": "/tmp/bin"}, nil
		})
	require.NoError(t, err)

	events := rec.Events()
	require.Len(t, events, 2)

	assert.Equal(t, "setup_start", events[0].Name)
	assert.Equal(t, CategoryMachine, events[0].Category)
	assert.Zero(t, events[0].Duration)
	assert.Equal(t, "tenant-1", events[0].Meta["tenant_id"])

	assert.Equal(t, "setup_success", events[1].Name)
	assert.GreaterOrEqual(t, events[1].Duration.Nanoseconds(), int64(0))
	assert.Equal(t, "/tmp/bin", events[1].Meta["install_path"])
	assert.Equal(t, "machine-1", events[1].Meta["machine_id"], "base metadata preserved")
}

func TestSpan_FailurePropagatesError(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("boom")

	err := Span(context.Background(), rec, CategoryProvider, "provision", Metadata{"tenant_id": "t"},
		func(context.Context) (Metadata, error) {
			return nil, boom
		})
	require.ErrorIs(t, err, boom, "error must propagate unmodified")

	names := rec.Names()
	require.Equal(t, []string{"provision_start", "provision_failure"}, names)
	assert.ErrorIs(t, rec.Events()[1].Err, boom)
}

func TestSpan_ExtraMetadataDoesNotMutateBase(t *testing.T) {
	rec := &Recorder{}
	meta := Metadata{"tenant_id": "t"}

	err := Span(context.Background(), rec, CategorySSH, "connect", meta,
		func(context.Context) (Metadata, error) {
			return Metadata{"host": "example"}, nil
		})
	require.NoError(t, err)
	assert.NotContains(t, meta, "host")
}
