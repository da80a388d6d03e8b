package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-ditto/ditto-sub092/twinstore/memory"
)

type countingInvalidator struct{ n int }

func (c *countingInvalidator) InvalidateCursors(context.Context) error {
	c.n++
	return nil
}

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestReadFile_YAMLList(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "things.yaml", `
- thingId: ns:a
  attributes:
    counter: 1
- thingId: ns:b
`)
	docs, err := ReadFile(p)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "ns:a", docs[0].ID())
	v, ok := docs[0].Lookup("attributes/counter")
	require.True(t, ok)
	assert.Equal(t, float64(1), v)
}

func TestReadFile_RejectsDocumentWithoutID(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "bad.json", `{"attributes":{}}`)
	_, err := ReadFile(p)
	assert.Error(t, err)
}

func TestLoad_AppliesAndInvalidates(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "a.json", `{"thingId":"ns:a"}`)
	write(t, dir, "b.yml", "thingId: ns:b\n")
	write(t, dir, "notes.txt", "ignored")

	store := memory.New()
	inv := &countingInvalidator{}
	l := New(dir, store, WithInvalidator(inv))
	require.NoError(t, l.Load(context.Background()))

	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 1, inv.n)
}

func TestApply_DeletesThingsRemovedFromFile(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "things.json", `[{"thingId":"ns:a"},{"thingId":"ns:b"}]`)

	store := memory.New()
	l := New(dir, store)
	ctx := context.Background()
	require.NoError(t, l.Load(ctx))
	require.Equal(t, 2, store.Len())

	write(t, dir, "things.json", `[{"thingId":"ns:b"}]`)
	require.NoError(t, l.apply(ctx, p))
	assert.Equal(t, 1, store.Len())

	require.NoError(t, l.remove(ctx, p))
	assert.Equal(t, 0, store.Len())
}

func TestWatch_PicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	store := memory.New()
	inv := &countingInvalidator{}
	l := New(dir, store, WithInvalidator(inv))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "late.json"), []byte(`{"thingId":"ns:late"}`), 0o644)
		return store.Len() == 1
	}, 5*time.Second, 50*time.Millisecond)
}
