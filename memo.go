package pivotview

import (
	"context"
	"fmt"

	"github.com/ohler55/ojg/oj"
	"golang.org/x/sync/singleflight"
)

var requestOptions = &oj.Options{Sort: true, UseTags: true}

// Memo de-duplicates identical in-flight fetches. Callers sharing a key
// share one call to the producer and its result.
type Memo struct {
	group singleflight.Group
}

func NewMemo() *Memo {
	return &Memo{}
}

// FetchKeyed runs producer once per key among concurrent callers. A
// caller whose ctx ends stops waiting, but the shared call keeps running
// for the others.
func (m *Memo) FetchKeyed(
	ctx context.Context, key string, producer func(ctx context.Context) (*Response, error),
) (*Response, error) {
	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return producer(shared)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp, _ := res.Val.(*Response)
		return resp, nil
	}
}

// fetchKey identifies a request for de-duplication. Group keys are taken
// from path so nil and Undefined keys stay apart.
func fetchKey(path PathKey, req *Request) (string, error) {
	shape := *req
	shape.GroupKeys = nil

	data, err := oj.Marshal(&shape, requestOptions)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	return string(path) + "|" + string(data), nil
}
