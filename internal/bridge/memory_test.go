package bridge

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemoryClient_FeedRecordsInOrder(t *testing.T) {
	c := NewMemoryClient()
	id, err := c.Create(context.Background(), "CA1", "ST1", nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	c.Feed(id, []byte{1})
	c.Feed(id, []byte{2})
	c.Feed(id, []byte{3})

	frames := c.Frames(id)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, want := range [][]byte{{1}, {2}, {3}} {
		if !bytes.Equal(frames[i], want) {
			t.Fatalf("frame %d out of order: %v", i, frames[i])
		}
	}
}

func TestMemoryClient_PauseDropsFrames(t *testing.T) {
	c := NewMemoryClient()
	id, _ := c.Create(context.Background(), "CA1", "ST1", nil)

	if err := c.Pause(id); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	c.Feed(id, []byte{1})
	if got := len(c.Frames(id)); got != 0 {
		t.Fatalf("expected paused bridge to drop frames, got %d", got)
	}

	if err := c.Resume(id); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	c.Feed(id, []byte{2})
	if got := len(c.Frames(id)); got != 1 {
		t.Fatalf("expected frame after resume, got %d", got)
	}
}

func TestMemoryClient_CloseIsIdempotent(t *testing.T) {
	c := NewMemoryClient()
	id, _ := c.Create(context.Background(), "CA1", "ST1", nil)

	if err := c.Close(id); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := c.Close(id); err != nil {
		t.Fatalf("expected double close to be a no-op, got %v", err)
	}
	if c.Open(id) {
		t.Fatalf("expected bridge removed")
	}
	if err := c.Feed(id, []byte{1}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after close, got %v", err)
	}
}

func TestMemoryClient_CreateErr(t *testing.T) {
	c := NewMemoryClient()
	c.CreateErr = errors.New("backend down")

	if _, err := c.Create(context.Background(), "CA1", "ST1", nil); err == nil {
		t.Fatalf("expected create to fail")
	}
}

func TestMemoryClient_PushOutbound(t *testing.T) {
	c := NewMemoryClient()
	var got []byte
	id, _ := c.Create(context.Background(), "CA1", "ST1", func(audio []byte) error {
		got = audio
		return nil
	})

	if err := c.PushOutbound(id, []byte{9, 9}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !bytes.Equal(got, []byte{9, 9}) {
		t.Fatalf("expected outbound audio delivered, got %v", got)
	}
}
