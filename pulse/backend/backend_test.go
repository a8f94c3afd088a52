package backend

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/steps"
)

func TestRunStateOutcome(t *testing.T) {
	assert.Equal(t, steps.OutcomeSucceeded, RunSuccess.ToStepOutcome())
	assert.Equal(t, steps.OutcomeFailed, RunFailed.ToStepOutcome())
	assert.Equal(t, steps.OutcomeCancelled, RunCancelled.ToStepOutcome())
	for _, s := range []RunState{RunSubmitted, RunPending, RunScheduled, RunRunning, RunCancelling} {
		assert.Equal(t, steps.OutcomeRunning, s.ToStepOutcome(), "%s", s)
		assert.False(t, s.IsTerminal())
	}
}

func TestLocalBackendRunsToSuccess(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), nil)
	ctx := context.Background()

	runID, err := b.Submit(ctx, SubmitRequest{
		Name:       "echo",
		EntryPoint: `sh -c 'echo "$0 $1" > out.txt'`,
		Args:       []string{"hello", "world"},
	})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	state, err := b.Wait(waitCtx, runID)
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, state)

	out, err := os.ReadFile(filepath.Join(b.workDir, runID, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(out))
}

func TestLocalBackendReportsFailure(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), nil)
	runID, err := b.Submit(context.Background(), SubmitRequest{EntryPoint: "sh -c 'exit 3'"})
	require.NoError(t, err)

	state, err := b.Wait(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, state)
	assert.Error(t, b.RunError(runID))
}

func TestLocalBackendCancel(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), nil)
	ctx := context.Background()
	runID, err := b.Submit(ctx, SubmitRequest{EntryPoint: "sleep 30"})
	require.NoError(t, err)

	require.NoError(t, b.Cancel(ctx, runID))
	state, err := b.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, state)

	// Cancelling again is harmless
	assert.NoError(t, b.Cancel(ctx, runID))
}

func TestLocalBackendForgetsOldRuns(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	finished, err := b.Submit(ctx, SubmitRequest{EntryPoint: "true"})
	require.NoError(t, err)
	state, err := b.Wait(ctx, finished)
	require.NoError(t, err)
	require.Equal(t, RunSuccess, state)

	running, err := b.Submit(ctx, SubmitRequest{EntryPoint: "sleep 30"})
	require.NoError(t, err)

	now = now.Add(FinishedRunRetention - time.Minute)
	state, err = b.State(ctx, finished)
	require.NoError(t, err, "still within retention")
	assert.Equal(t, RunSuccess, state)

	now = now.Add(2 * time.Minute)
	_, err = b.State(ctx, finished)
	assert.True(t, errors.IsNotFoundError(err))

	state, err = b.State(ctx, running)
	require.NoError(t, err, "unfinished runs are kept")
	assert.Equal(t, RunRunning, state)

	b.mu.Lock()
	assert.Len(t, b.runs, 1)
	b.mu.Unlock()

	require.NoError(t, b.Cancel(ctx, running))
	_, err = b.Wait(ctx, running)
	require.NoError(t, err)
}

func TestLocalBackendRejectsBadEntryPoints(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), nil)
	_, err := b.Submit(context.Background(), SubmitRequest{EntryPoint: ""})
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = b.Submit(context.Background(), SubmitRequest{EntryPoint: `sh -c 'unterminated`})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = b.State(context.Background(), "unknown")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestClientCacheRecreatesAfterExpiry(t *testing.T) {
	var mu sync.Mutex
	created := 0
	cache := NewClientCache(time.Minute, func(_ context.Context, key string) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		created++
		return created, nil
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.SetClock(func() time.Time { return now })
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := cache.Get(ctx, "eu-west-1")
			assert.NoError(t, err)
			assert.Equal(t, 1, v)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created, "concurrent misses create once")

	now = now.Add(2 * time.Minute)
	v, err := cache.Get(ctx, "eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	cache.Invalidate("eu-west-1")
	v, _ = cache.Get(ctx, "eu-west-1")
	assert.Equal(t, 3, v)
}

func TestClientCacheDoesNotCacheErrors(t *testing.T) {
	calls := 0
	cache := NewClientCache(time.Minute, func(context.Context, string) (string, error) {
		calls++
		return "", errors.New("no credentials")
	})
	_, err := cache.Get(context.Background(), "k")
	assert.Error(t, err)
	_, err = cache.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestParseURI(t *testing.T) {
	bucket, key, err := ParseURI("s3://hub/job/inputs/files/a.csv")
	require.NoError(t, err)
	assert.Equal(t, "hub", bucket)
	assert.Equal(t, "job/inputs/files/a.csv", key)

	bucket, key, err = ParseURI("s3a://hub")
	require.NoError(t, err)
	assert.Equal(t, "hub", bucket)
	assert.Empty(t, key)

	_, _, err = ParseURI("https://hub/x")
	assert.Error(t, err)
	_, _, err = ParseURI("s3:///x")
	assert.Error(t, err)
}

func TestLocalStorePutAndList(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	require.NoError(t, store.Put(ctx, "s3://hub/job/step/parts/part-0.json", []byte("{}\n")))
	require.NoError(t, store.Put(ctx, "s3://hub/job/step/parts/part-1.json", []byte("{}\n")))
	require.NoError(t, store.Put(ctx, "s3://hub/job/other/x", []byte("x")))

	keys, err := store.ListKeys(ctx, "s3://hub/job/step/parts/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"s3://hub/job/step/parts/part-0.json",
		"s3://hub/job/step/parts/part-1.json",
	}, keys)

	keys, err = store.ListKeys(ctx, "s3://hub/nothing/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, 0)
	b := make([]byte, 512)
	for {
		n, err := in.Body.Read(b)
		buf = append(buf, b[:n]...)
		if err != nil {
			break
		}
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = buf
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{}
	for k := range f.objects {
		bucket, key, _ := cutBucket(k)
		if bucket == aws.ToString(in.Bucket) && len(key) >= len(aws.ToString(in.Prefix)) && key[:len(aws.ToString(in.Prefix))] == aws.ToString(in.Prefix) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
		}
	}
	return out, nil
}

func cutBucket(k string) (string, string, bool) {
	for i := range k {
		if k[i] == '/' {
			return k[:i], k[i+1:], true
		}
	}
	return k, "", false
}

func TestS3StorageWithCachedClient(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	cache := NewClientCache(time.Hour, func(context.Context, string) (S3API, error) { return fake, nil })
	store := NewS3Storage("eu-west-1", cache)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "s3://hub/job/s/parts/b", []byte("b")))
	require.NoError(t, store.Put(ctx, "s3://hub/job/s/parts/a", []byte("a")))
	require.NoError(t, store.Put(ctx, "s3://hub/job/t/x", []byte("x")))

	keys, err := store.ListKeys(ctx, "s3://hub/job/s/")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://hub/job/s/parts/a", "s3://hub/job/s/parts/b"}, keys)
	assert.Equal(t, []byte("a"), fake.objects["hub/job/s/parts/a"])
}
