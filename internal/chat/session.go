package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"coursechat/internal/api"
	"coursechat/internal/sse"
)

// Transport opens the reply stream for one user message. *api.Client
// satisfies it.
type Transport interface {
	OpenChatStream(ctx context.Context, chapterID, message string) (io.ReadCloser, error)
}

// Transcript persists finished turns. It is optional. Save receives only
// the turn that just ended and must merge it with what is already stored.
type Transcript interface {
	Save(courseID, chapterID string, msgs []Message) error
}

type SessionConfig struct {
	CourseID     string
	ChapterID    string
	Transport    Transport
	Conversation *Conversation
	Transcript   Transcript
	Logger       *slog.Logger
}

// Session sends messages for one chapter and drives the conversation from
// the reply stream.
type Session struct {
	courseID   string
	chapterID  string
	transport  Transport
	conv       *Conversation
	transcript Transcript
	logger     *slog.Logger
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("chat session needs a transport")
	}
	if cfg.ChapterID == "" {
		return nil, errors.New("chat session needs a chapter id")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conv := cfg.Conversation
	if conv == nil {
		conv = NewConversation(DeltaReplace, logger)
	}
	return &Session{
		courseID:   cfg.CourseID,
		chapterID:  cfg.ChapterID,
		transport:  cfg.Transport,
		conv:       conv,
		transcript: cfg.Transcript,
		logger:     logger.With(slog.String("chapter_id", cfg.ChapterID)),
	}, nil
}

func (s *Session) Conversation() *Conversation { return s.conv }

func (s *Session) ChapterID() string { return s.chapterID }

func (s *Session) CourseID() string { return s.courseID }

// Send submits text and blocks until the reply completes, fails or ctx is
// cancelled. It returns the final reply message. ErrEmptyMessage and
// ErrBusy are returned without touching the conversation; every other
// failure leaves the reply in the failed state and is returned as well.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	userID, replyID, err := s.conv.Begin(text)
	if err != nil {
		return Message{}, err
	}

	runErr := s.stream(ctx, replyID, text)
	if runErr != nil {
		if err := s.conv.Fail(replyID, runErr); err != nil {
			s.logger.Warn("failing reply", slog.Any("error", err))
		}
		s.logger.Info("reply failed",
			slog.String("message_id", replyID),
			slog.Any("error", runErr))
	}

	snap := s.conv.Snapshot()
	reply, _ := snap.Find(replyID)
	if user, ok := snap.Find(userID); ok {
		s.save([]Message{user, reply})
	}
	return reply, runErr
}

// stream runs one request. A nil return means the terminal frame arrived.
func (s *Session) stream(ctx context.Context, replyID, text string) error {
	if err := ctx.Err(); err != nil {
		return cancelCause(err)
	}

	body, err := s.transport.OpenChatStream(ctx, s.chapterID, text)
	if err != nil {
		if ctx.Err() != nil {
			return cancelCause(ctx.Err())
		}
		return err
	}
	defer body.Close()

	// Closing the body unblocks a read that is waiting on the network.
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	r := sse.NewReader(body, s.logger)
	frames := 0
	for f, err := range r.Frames() {
		if err != nil {
			if ctx.Err() != nil {
				return cancelCause(ctx.Err())
			}
			return &api.NetworkError{Op: "reading reply stream", Err: err}
		}
		frames++

		ev := Interpret(f)
		if ev.DecodeErr != nil {
			s.logger.Debug("frame payload is not JSON, showing raw text",
				slog.Any("error", ev.DecodeErr))
		}

		switch ev.Kind {
		case EventDelta:
			if err := s.conv.ApplyDelta(replyID, ev.Text); err != nil {
				return err
			}
		case EventTerminal:
			s.logger.Debug("reply complete",
				slog.String("message_id", replyID),
				slog.Int("frames", frames))
			return s.conv.Complete(replyID)
		case EventError:
			return &ServerError{Message: ev.Text}
		}
	}

	if ctx.Err() != nil {
		return cancelCause(ctx.Err())
	}
	return ErrStreamClosed
}

func (s *Session) save(turn []Message) {
	if s.transcript == nil {
		return
	}
	if err := s.transcript.Save(s.courseID, s.chapterID, turn); err != nil {
		s.logger.Warn("saving transcript", slog.Any("error", err))
	}
}

// cancelCause keeps deadline errors distinct from a plain cancel.
func cancelCause(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ErrCancelled
}
