package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_PutGet(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if err := m.Put(ctx, "call/abc", []byte(`{"copay":30}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := m.Get(ctx, "call/abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"copay":30}` {
		t.Errorf("Get = %q", got)
	}
}

func TestMemory_GetMissing(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	_, err := m.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestMemory_PutReplaces(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	m.Put(ctx, "k", []byte("one"))
	m.Put(ctx, "k", []byte("two"))
	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "two" {
		t.Errorf("Get = %q, want two", got)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestMemory_Delete(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	m.Put(ctx, "k", []byte("v"))
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := m.Delete(ctx, "absent"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	m.Put(ctx, "k", []byte("abc"))
	got, _ := m.Get(ctx, "k")
	got[0] = 'x'

	again, _ := m.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated through Get result: %q", again)
	}
}
