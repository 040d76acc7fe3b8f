package poll

import (
	"context"
	"errors"
	"fmt"

	"coursechat/internal/api"

	"github.com/cenkalti/backoff/v5"
)

const (
	CourseCreating  = "CourseStatus.CREATING"
	CourseFinished  = "CourseStatus.FINISHED"
	CourseCompleted = "CourseStatus.COMPLETED"
	CourseFailed    = "CourseStatus.FAILED"
)

// ErrCourseFailed means the server gave up generating the course.
var ErrCourseFailed = errors.New("course generation failed")

type CourseGetter interface {
	GetCourse(ctx context.Context, courseID string) (*api.CourseInfo, error)
}

type QuestionLister interface {
	ChapterQuestions(ctx context.Context, courseID, chapterID string) ([]api.Question, error)
}

// WaitForCourse polls until the course leaves the creating state.
func WaitForCourse(ctx context.Context, p *Poller, client CourseGetter, courseID string) (*api.CourseInfo, error) {
	return Until(ctx, p, "course "+courseID, func(ctx context.Context) (*api.CourseInfo, bool, error) {
		ci, err := client.GetCourse(ctx, courseID)
		if err != nil {
			return nil, false, err
		}
		switch ci.Status {
		case CourseCreating:
			return ci, false, nil
		case CourseFailed:
			return ci, true, backoff.Permanent(fmt.Errorf("%w: %s", ErrCourseFailed, ci.Title))
		default:
			return ci, true, nil
		}
	})
}

// WaitForQuestions polls until the chapter's quiz has been generated.
func WaitForQuestions(ctx context.Context, p *Poller, client QuestionLister, courseID, chapterID string) ([]api.Question, error) {
	name := fmt.Sprintf("quiz %s/%s", courseID, chapterID)
	return Until(ctx, p, name, func(ctx context.Context) ([]api.Question, bool, error) {
		qs, err := client.ChapterQuestions(ctx, courseID, chapterID)
		if err != nil {
			return nil, false, err
		}
		return qs, len(qs) > 0, nil
	})
}
