// Package stats composes aggregation reads into the reporting views.
package stats

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/example/learning-platform/services/learningtime/internal/store"
)

type Statistics struct {
	CourseTotals     store.CourseTotals    `json:"course_totals"`
	AveragePerLesson []store.LessonAverage `json:"average_per_lesson"`
	TotalPerStudent  []store.StudentTotal  `json:"total_per_student"`
}

type Service struct {
	repo store.Reader
}

func NewService(repo store.Reader) *Service {
	return &Service{repo: repo}
}

// GetLearningTimeStatistics runs the three course aggregates concurrently.
func (s *Service) GetLearningTimeStatistics(ctx context.Context, courseID string) (Statistics, error) {
	var out Statistics
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		totals, err := s.repo.GetCourseTotalLearningTime(gctx, courseID)
		if err != nil {
			return fmt.Errorf("course totals: %w", err)
		}
		out.CourseTotals = totals
		return nil
	})
	g.Go(func() error {
		avgs, err := s.repo.GetAverageLearningTimePerLesson(gctx, courseID)
		if err != nil {
			return fmt.Errorf("average per lesson: %w", err)
		}
		out.AveragePerLesson = avgs
		return nil
	})
	g.Go(func() error {
		students, err := s.repo.GetTotalLearningTimePerStudent(gctx, courseID)
		if err != nil {
			return fmt.Errorf("total per student: %w", err)
		}
		out.TotalPerStudent = students
		return nil
	})
	if err := g.Wait(); err != nil {
		return Statistics{}, err
	}
	return out, nil
}

func (s *Service) GetDetailedLearningTime(ctx context.Context, courseID string) ([]store.CourseLearningTime, error) {
	rows, err := s.repo.GetLearningTimeForCourse(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("course details: %w", err)
	}
	return rows, nil
}
