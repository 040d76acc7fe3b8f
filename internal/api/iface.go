package api

import (
	"context"
	"io"
)

// TutorAPI defines the interface for the course platform client.
// *Client satisfies this interface. TUI and tests can use mock implementations.
type TutorAPI interface {
	Login(ctx context.Context, username, password string) (*LoginResponse, error)
	Me(ctx context.Context) (*UserInfo, error)
	OpenChatStream(ctx context.Context, chapterID, message string) (io.ReadCloser, error)
	ChatHistory(ctx context.Context, courseID, chapterID string) ([]HistoryMessage, error)
	GetCourse(ctx context.Context, courseID string) (*CourseInfo, error)
	ChapterQuestions(ctx context.Context, courseID, chapterID string) ([]Question, error)
}

var _ TutorAPI = (*Client)(nil)
