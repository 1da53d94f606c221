package pivotview

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestMemo_FetchKeyed(t *testing.T) {
	t.Parallel()

	m := NewMemo()
	calls := atomic.NewInt32(0)
	entered := make(chan struct{})
	release := make(chan struct{})

	producer := func(ctx context.Context) (*Response, error) {
		if calls.Inc() == 1 {
			close(entered)
		}
		<-release
		return &Response{LastRow: intPtr(3)}, nil
	}

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := m.FetchKeyed(context.Background(), "1|root", producer)
		done <- result{resp: resp, err: err}
	}()
	<-entered

	// a caller that gives up does not start another call
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.FetchKeyed(ctx, "1|root", producer)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	n, ok := res.resp.RowCount()
	require.True(t, ok)
	require.Equal(t, 3, n)
	require.Equal(t, int32(1), calls.Load())

	// completed calls are not cached
	_, err = m.FetchKeyed(context.Background(), "1|root", producer)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestMemo_FetchKeyedError(t *testing.T) {
	t.Parallel()

	errFetch := errors.New("boom")
	_, err := NewMemo().FetchKeyed(context.Background(), "k", func(context.Context) (*Response, error) {
		return nil, errFetch
	})
	require.ErrorIs(t, err, errFetch)
}

func TestFetchKey(t *testing.T) {
	t.Parallel()

	key := func(q *Query, groupKeys []any) string {
		path, err := SerializePath(groupKeys)
		require.NoError(t, err)
		k, err := fetchKey(path, BuildRequest(q, groupKeys))
		require.NoError(t, err)
		return k
	}

	q := &Query{
		GroupBy: []string{"status", "owner"},
		Values:  []Measure{{Field: "price", AggFunc: "sum"}},
		Filter:  []*Filter{{Key: "owner", Values: []any{"alice"}}},
	}
	other := q.clone()
	other.Sort = []SortItem{{ColID: "price", Direction: SortDesc}}

	require.Equal(t, key(q, []any{"open"}), key(q.clone(), []any{"open"}))
	require.NotEqual(t, key(q, []any{nil}), key(q, []any{Undefined}))
	require.NotEqual(t, key(q, []any{"open"}), key(other, []any{"open"}))
	require.NotEqual(t, key(q, nil), key(&Query{GroupBy: []string{"region"}}, nil))
}
