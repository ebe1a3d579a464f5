// Package store persists per-(user, lesson) learning time and answers the
// aggregate reporting queries. All reads return zero values or empty slices
// when there is no data, never an error.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidFlush = errors.New("invalid flush")

// LearningTimeRecord is the durable total for one user in one lesson.
type LearningTimeRecord struct {
	UserID       string    `json:"user_id"`
	LessonID     string    `json:"lesson_id"`
	CourseID     string    `json:"course_id"`
	TotalSeconds int64     `json:"total_seconds"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type UserInfo struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

type CourseLearningTime struct {
	UserID       string   `json:"user_id"`
	LessonID     string   `json:"lesson_id"`
	TotalSeconds int64    `json:"total_seconds"`
	User         UserInfo `json:"user"`
	LessonTitle  string   `json:"lesson_title"`
}

type LessonAverage struct {
	LessonID       string  `json:"lesson_id"`
	AverageSeconds float64 `json:"average_seconds"`
	TotalUsers     int64   `json:"total_users"`
	TotalSeconds   int64   `json:"total_seconds"`
}

type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StudentTotal sums a user's time over a course. Groups is nil when the
// user belongs to no group.
type StudentTotal struct {
	UserID       string  `json:"user_id"`
	TotalSeconds int64   `json:"total_seconds"`
	Groups       []Group `json:"groups"`
}

type CourseTotals struct {
	AverageSeconds float64 `json:"average_seconds"`
	UniqueUsers    int64   `json:"unique_users"`
}

// Flush is one queued increment. JobID is the dedup key.
type Flush struct {
	JobID        string
	UserID       string
	LessonID     string
	CourseID     string
	SecondsToAdd int64
}

func (f Flush) Validate() error {
	if strings.TrimSpace(f.JobID) == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidFlush)
	}
	return validateIncrement(f.UserID, f.LessonID, f.CourseID, f.SecondsToAdd)
}

func validateIncrement(userID, lessonID, courseID string, seconds int64) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(lessonID) == "" || strings.TrimSpace(courseID) == "" {
		return fmt.Errorf("%w: missing user, lesson or course", ErrInvalidFlush)
	}
	if seconds <= 0 {
		return fmt.Errorf("%w: seconds must be positive, got %d", ErrInvalidFlush, seconds)
	}
	return nil
}

type Writer interface {
	// ApplyLearningTime atomically inserts or increments the record.
	ApplyLearningTime(ctx context.Context, userID, lessonID, courseID string, secondsToAdd int64) error
	// ApplyFlush applies f once per JobID. It reports false for a job that
	// was already applied.
	ApplyFlush(ctx context.Context, f Flush) (applied bool, err error)
}

type Reader interface {
	GetLearningTimeForUser(ctx context.Context, userID, lessonID string) (int64, error)
	GetLearningTimeForCourse(ctx context.Context, courseID string) ([]CourseLearningTime, error)
	GetAverageLearningTimePerLesson(ctx context.Context, courseID string) ([]LessonAverage, error)
	GetTotalLearningTimePerStudent(ctx context.Context, courseID string) ([]StudentTotal, error)
	GetCourseTotalLearningTime(ctx context.Context, courseID string) (CourseTotals, error)
}

type Repository interface {
	Writer
	Reader
}

func average(total, users int64) float64 {
	if users == 0 {
		return 0
	}
	return float64(total) / float64(users)
}
