// Package store keeps a local copy of chapter transcripts in a BoltDB file,
// so a chat panel can show the last conversation before the server answers
// and the history command works offline.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coursechat/internal/chat"

	bolt "go.etcd.io/bbolt"
)

// Transcripts live in nested buckets, courses -> course -> chapter, so IDs
// never have to be joined into a single key. Each chapter bucket holds its
// messages under sequence keys, an index from message ID to sequence, and
// the chapter summary.
var (
	coursesBucket  = []byte("courses")
	messagesBucket = []byte("messages")
	idsBucket      = []byte("ids")
	infoKey        = []byte("info")
)

// ErrNotFound is returned when no transcript is stored for a chapter.
var ErrNotFound = errors.New("no local transcript for chapter")

type record struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	State     string    `json:"state"`
	IsError   bool      `json:"is_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChapterInfo summarizes one stored transcript.
type ChapterInfo struct {
	CourseID  string    `json:"course_id"`
	ChapterID string    `json:"chapter_id"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the database at path with 0600 permissions.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(coursesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init transcript db: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// bucketName maps an ID to a nested bucket name. bbolt rejects empty
// names, so every name carries a fixed prefix.
func bucketName(id string) []byte {
	return []byte("id:" + id)
}

func seqKey(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// chapterBucket returns the chapter's bucket, or nil if nothing is stored.
func chapterBucket(tx *bolt.Tx, courseID, chapterID string) *bolt.Bucket {
	course := tx.Bucket(coursesBucket).Bucket(bucketName(courseID))
	if course == nil {
		return nil
	}
	return course.Bucket(bucketName(chapterID))
}

func toRecord(m chat.Message) ([]byte, error) {
	return json.Marshal(record{
		ID:        m.ID,
		Sender:    string(m.Sender),
		Content:   m.Content,
		State:     string(m.State),
		IsError:   m.IsError,
		Timestamp: m.Timestamp,
	})
}

// Save merges msgs into the chapter's transcript. A message whose ID is
// already stored is updated in place, anything else is appended, and
// stored messages missing from msgs are kept. Replies still in flight are
// skipped.
func (s *Store) Save(courseID, chapterID string, msgs []chat.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		course, err := tx.Bucket(coursesBucket).CreateBucketIfNotExists(bucketName(courseID))
		if err != nil {
			return fmt.Errorf("failed to create course bucket: %w", err)
		}
		chapter, err := course.CreateBucketIfNotExists(bucketName(chapterID))
		if err != nil {
			return fmt.Errorf("failed to create chapter bucket: %w", err)
		}
		b, err := chapter.CreateBucketIfNotExists(messagesBucket)
		if err != nil {
			return fmt.Errorf("failed to create transcript bucket: %w", err)
		}
		ids, err := chapter.CreateBucketIfNotExists(idsBucket)
		if err != nil {
			return fmt.Errorf("failed to create id index: %w", err)
		}

		for _, m := range msgs {
			if m.IsStreaming {
				continue
			}
			v, err := toRecord(m)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}

			var key []byte
			if m.ID != "" {
				key = ids.Get([]byte(m.ID))
			}
			if key == nil {
				seq, err := b.NextSequence()
				if err != nil {
					return fmt.Errorf("failed to get next sequence: %w", err)
				}
				key = seqKey(seq)
				if m.ID != "" {
					if err := ids.Put([]byte(m.ID), key); err != nil {
						return err
					}
				}
			}
			if err := b.Put(key, v); err != nil {
				return err
			}
		}

		count := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		info, err := json.Marshal(ChapterInfo{
			CourseID:  courseID,
			ChapterID: chapterID,
			Messages:  count,
			UpdatedAt: s.now(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal chapter info: %w", err)
		}
		return chapter.Put(infoKey, info)
	})
}

// Load returns the stored transcript in its saved order.
func (s *Store) Load(courseID, chapterID string) ([]chat.Message, error) {
	var msgs []chat.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		chapter := chapterBucket(tx, courseID, chapterID)
		if chapter == nil || chapter.Bucket(messagesBucket) == nil {
			return ErrNotFound
		}
		return chapter.Bucket(messagesBucket).ForEach(func(_, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			msgs = append(msgs, chat.Message{
				ID:        r.ID,
				Sender:    chat.Sender(r.Sender),
				Content:   r.Content,
				State:     chat.State(r.State),
				IsError:   r.IsError,
				Timestamp: r.Timestamp,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Chapters lists every stored transcript, grouped by course in key order.
func (s *Store) Chapters() ([]ChapterInfo, error) {
	var out []ChapterInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		courses := tx.Bucket(coursesBucket)
		return courses.ForEach(func(courseName, _ []byte) error {
			course := courses.Bucket(courseName)
			if course == nil {
				return nil
			}
			return course.ForEach(func(chapterName, _ []byte) error {
				chapter := course.Bucket(chapterName)
				if chapter == nil {
					return nil
				}
				v := chapter.Get(infoKey)
				if v == nil {
					return nil
				}
				var info ChapterInfo
				if err := json.Unmarshal(v, &info); err != nil {
					return fmt.Errorf("failed to unmarshal chapter info: %w", err)
				}
				out = append(out, info)
				return nil
			})
		})
	})
	return out, err
}

// Delete drops a chapter's transcript. Deleting a missing one is not an
// error.
func (s *Store) Delete(courseID, chapterID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		courses := tx.Bucket(coursesBucket)
		course := courses.Bucket(bucketName(courseID))
		if course == nil || course.Bucket(bucketName(chapterID)) == nil {
			return nil
		}
		if err := course.DeleteBucket(bucketName(chapterID)); err != nil {
			return err
		}
		if k, _ := course.Cursor().First(); k == nil {
			return courses.DeleteBucket(bucketName(courseID))
		}
		return nil
	})
}
