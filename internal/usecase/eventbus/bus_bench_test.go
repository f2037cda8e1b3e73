package eventbus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"llmshell/internal/domain"
)

func BenchmarkEventBusPublish(b *testing.B) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	event := domain.Event{
		Type:      domain.EventGenerateProgress,
		Timestamp: time.Now(),
		ModelID:   "bench-model",
	}

	bus.Subscribe(domain.EventGenerateProgress, func(_ context.Context, _ domain.Event) {})

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}

	bus.Close()
}

func BenchmarkEventBusPublishMultipleSubscribers(b *testing.B) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	event := domain.Event{Type: domain.EventGenerateProgress, Timestamp: time.Now()}

	for i := 0; i < 8; i++ {
		bus.Subscribe(domain.EventGenerateProgress, func(_ context.Context, _ domain.Event) {})
	}
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {})

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}

	bus.Close()
}
