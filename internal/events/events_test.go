package events

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderConcurrentEmit(t *testing.T) {
	rec := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Emit(Event{Kind: KindMatch})
		}()
	}
	wg.Wait()

	assert.Len(t, rec.Events(), 50)
	assert.Len(t, rec.OfKind(KindMatch), 50)
	assert.Empty(t, rec.OfKind(KindConflict))

	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestSlogSinkWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewSlogSink(logger)

	sink.Emit(Event{
		Kind:    KindRecordError,
		Address: "123 main st",
		Source:  "zillow",
		Field:   "price",
		Err:     errors.New("unparseable"),
		Attrs:   map[string]any{"raw": "n/a"},
	})

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"address":"123 main st"`)
	assert.Contains(t, out, `"error":"unparseable"`)
	assert.Contains(t, out, `"raw":"n/a"`)
}

func TestMultiSkipsNil(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	sink := Multi(a, nil, b)
	sink.Emit(Event{Kind: KindMerge})

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.Equal(t, Discard, OrDiscard(nil))
}
