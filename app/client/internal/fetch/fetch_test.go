package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/flock/pkg/fault"
)

func value(v string, d time.Duration) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		time.Sleep(d)
		return v, nil
	}
}

func TestIndependentCompletion(t *testing.T) {
	c, err := New(4, nil)
	require.NoError(t, err)
	defer c.Close()

	b := c.Run(context.Background(),
		Task{Name: "members", Run: value("A", 30*time.Millisecond)},
		Task{Name: "ledger", Run: func(ctx context.Context) (any, error) {
			return nil, fault.NewPermanent("fetch ledger", 403, 40003, "forbidden")
		}},
		Task{Name: "events", Run: value("C", 10*time.Millisecond)},
	)

	var got []Result
	for r := range b.Results() {
		got = append(got, r)
	}
	require.Len(t, got, 3)

	// 失败的任务最先完成，不影响其他任务
	assert.Equal(t, "ledger", got[0].Name)
	assert.True(t, fault.IsPermanent(got[0].Err))

	byName := map[string]Result{}
	for _, r := range got {
		byName[r.Name] = r
	}
	assert.Equal(t, "A", byName["members"].Value)
	assert.NoError(t, byName["members"].Err)
	assert.Equal(t, "C", byName["events"].Value)
	assert.GreaterOrEqual(t, byName["members"].Elapsed, 30*time.Millisecond)

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("done not signalled")
	}
	assert.ElementsMatch(t, got, b.Wait())
}

func TestSlowTaskDoesNotBlockOthers(t *testing.T) {
	c, err := New(2, nil)
	require.NoError(t, err)
	defer c.Close()

	release := make(chan struct{})
	b := c.Run(context.Background(),
		Task{Name: "slow", Run: func(ctx context.Context) (any, error) {
			<-release
			return "slow", nil
		}},
		Task{Name: "fast", Run: value("fast", 0)},
	)

	select {
	case r := <-b.Results():
		assert.Equal(t, "fast", r.Name)
	case <-time.After(time.Second):
		t.Fatal("fast task blocked by slow task")
	}
	select {
	case <-b.Done():
		t.Fatal("done before slow task finished")
	default:
	}

	close(release)
	results := b.Wait()
	assert.Len(t, results, 2)
}

func TestPanicReportedAsFailure(t *testing.T) {
	c, err := New(1, nil)
	require.NoError(t, err)
	defer c.Close()

	results := c.Run(context.Background(), Task{Name: "boom", Run: func(context.Context) (any, error) {
		panic("bad row")
	}}).Wait()
	require.Len(t, results, 1)
	assert.ErrorContains(t, results[0].Err, "bad row")
}

func TestSubmitFailure(t *testing.T) {
	c, err := New(1, nil)
	require.NoError(t, err)
	c.Close()

	results := c.Run(context.Background(), Task{Name: "late", Run: value("x", 0)}).Wait()
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestEmptyBatch(t *testing.T) {
	c, err := New(1, nil)
	require.NoError(t, err)
	defer c.Close()

	b := c.Run(context.Background())
	<-b.Done()
	assert.Empty(t, b.Wait())
}

type fetcherFunc func(ctx context.Context, resource string) (json.RawMessage, error)

func (f fetcherFunc) FetchRecords(ctx context.Context, resource string) (json.RawMessage, error) {
	return f(ctx, resource)
}

func TestRecordTask(t *testing.T) {
	c, err := New(2, nil)
	require.NoError(t, err)
	defer c.Close()

	f := fetcherFunc(func(ctx context.Context, resource string) (json.RawMessage, error) {
		if resource == "missing" {
			return nil, errors.New("not found")
		}
		return json.RawMessage(`{"resource":"` + resource + `"}`), nil
	})
	results := c.Run(context.Background(), RecordTask(f, "members"), RecordTask(f, "missing")).Wait()
	require.Len(t, results, 2)
	for _, r := range results {
		if r.Name == "members" {
			assert.JSONEq(t, `{"resource":"members"}`, string(r.Value.(json.RawMessage)))
		} else {
			assert.Error(t, r.Err)
		}
	}
}
