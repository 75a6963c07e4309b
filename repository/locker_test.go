package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "interview:a")
	require.NoError(t, err)

	other, err := l.Lock(ctx, "interview:b")
	require.NoError(t, err)
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "interview:a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		release, err := l.Lock(ctx, "interview:a")
		if assert.NoError(t, err) {
			release()
		}
		close(acquired)
	}()
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not handed over")
	}
}

func TestMemoryLockerForgetsReleasedKeys(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("interview:%d", i%5)
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, key)
			if assert.NoError(t, err) {
				unlock()
				unlock()
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, l.Keys())

	unlock, err := l.Lock(ctx, "interview:held")
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "interview:held")
	require.Error(t, err)
	assert.Equal(t, 1, l.Keys(), "a timed out waiter leaves only the holder")
	unlock()
	assert.Zero(t, l.Keys())
}

// TestPGLocker needs a postgres server; set TEST_DATABASE_URL to run it.
func TestPGLocker(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	l := NewPGLocker(pool)
	unlock, err := l.Lock(ctx, "interview:pg")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "interview:pg")
	require.Error(t, err, "the key is held on another connection")

	other, err := l.Lock(ctx, "interview:pg-other")
	require.NoError(t, err)
	other()

	unlock()
	again, err := l.Lock(ctx, "interview:pg")
	require.NoError(t, err)
	again()
}
