package poll

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"coursechat/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPoller(maxAttempts int) *Poller {
	return New(time.Millisecond, maxAttempts, nil)
}

func TestUntilFinishes(t *testing.T) {
	var calls int
	var attempts []int
	p := fastPoller(10)
	p.OnAttempt = func(n int, err error) {
		attempts = append(attempts, n)
		assert.ErrorIs(t, err, ErrNotReady)
	}

	v, err := Until(context.Background(), p, "thing", func(ctx context.Context) (int, bool, error) {
		calls++
		return calls, calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestUntilGivesUp(t *testing.T) {
	var calls atomic.Int32
	_, err := Until(context.Background(), fastPoller(4), "thing", func(ctx context.Context) (struct{}, bool, error) {
		calls.Add(1)
		return struct{}{}, false, nil
	})
	assert.ErrorIs(t, err, ErrGaveUp)
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.EqualValues(t, 4, calls.Load())
}

func TestUntilRetriesTransientErrors(t *testing.T) {
	calls := 0
	v, err := Until(context.Background(), fastPoller(5), "thing", func(ctx context.Context) (string, bool, error) {
		calls++
		if calls < 3 {
			return "", false, &api.HTTPStatusError{Status: http.StatusServiceUnavailable}
		}
		return "ok", true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestUntilStopsOnClientError(t *testing.T) {
	calls := 0
	_, err := Until(context.Background(), fastPoller(10), "thing", func(ctx context.Context) (int, bool, error) {
		calls++
		return 0, false, &api.HTTPStatusError{Status: http.StatusNotFound}
	})
	assert.Equal(t, http.StatusNotFound, api.StatusCode(err))
	assert.Equal(t, 1, calls)
}

func TestUntilRetriesRateLimit(t *testing.T) {
	calls := 0
	_, err := Until(context.Background(), fastPoller(3), "thing", func(ctx context.Context) (int, bool, error) {
		calls++
		return 0, false, &api.HTTPStatusError{Status: http.StatusTooManyRequests}
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestUntilCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(time.Hour, 0, nil)

	done := make(chan error, 1)
	go func() {
		_, err := Until(ctx, p, "thing", func(ctx context.Context) (int, bool, error) {
			return 0, false, nil
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not stop after cancel")
	}
}

type fakeCourses struct {
	statuses []string
	calls    int
}

func (f *fakeCourses) GetCourse(ctx context.Context, courseID string) (*api.CourseInfo, error) {
	s := f.statuses[min(f.calls, len(f.statuses)-1)]
	f.calls++
	return &api.CourseInfo{Title: "Graph Theory", Status: s}, nil
}

func TestWaitForCourse(t *testing.T) {
	f := &fakeCourses{statuses: []string{CourseCreating, CourseCreating, CourseFinished}}
	ci, err := WaitForCourse(context.Background(), fastPoller(10), f, "7")
	require.NoError(t, err)
	assert.Equal(t, CourseFinished, ci.Status)
	assert.Equal(t, 3, f.calls)
}

func TestWaitForCourseFailed(t *testing.T) {
	f := &fakeCourses{statuses: []string{CourseCreating, CourseFailed}}
	_, err := WaitForCourse(context.Background(), fastPoller(10), f, "7")
	assert.ErrorIs(t, err, ErrCourseFailed)
	assert.Equal(t, 2, f.calls)
}

type fakeQuestions struct {
	readyAfter int
	calls      int
	err        error
}

func (f *fakeQuestions) ChapterQuestions(ctx context.Context, courseID, chapterID string) ([]api.Question, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.calls < f.readyAfter {
		return nil, nil
	}
	return []api.Question{{ID: 1, Question: "2+2?"}}, nil
}

func TestWaitForQuestions(t *testing.T) {
	f := &fakeQuestions{readyAfter: 2}
	qs, err := WaitForQuestions(context.Background(), fastPoller(5), f, "7", "1")
	require.NoError(t, err)
	assert.Len(t, qs, 1)

	f = &fakeQuestions{err: errors.New("dial tcp: refused")}
	_, err = WaitForQuestions(context.Background(), fastPoller(2), f, "7", "1")
	assert.Error(t, err)
	assert.Equal(t, 2, f.calls)
}
