package stats

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/example/learning-platform/services/learningtime/internal/store"
)

type brokenReader struct {
	store.Reader
}

var errDB = errors.New("db: connection refused")

func (brokenReader) GetAverageLearningTimePerLesson(context.Context, string) ([]store.LessonAverage, error) {
	return nil, errDB
}

func (brokenReader) GetLearningTimeForCourse(context.Context, string) ([]store.CourseLearningTime, error) {
	return nil, errDB
}

func (brokenReader) GetCourseTotalLearningTime(context.Context, string) (store.CourseTotals, error) {
	return store.CourseTotals{}, nil
}

func (brokenReader) GetTotalLearningTimePerStudent(context.Context, string) ([]store.StudentTotal, error) {
	return []store.StudentTotal{}, nil
}

func seed(t *testing.T) *store.MemoryRepository {
	t.Helper()
	repo := store.NewMemoryRepository()
	repo.PutUser("u1", store.UserInfo{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}, store.Group{ID: "g1", Name: "Morning"})
	repo.PutUser("u2", store.UserInfo{FirstName: "Alan", LastName: "Turing", Email: "alan@example.com"})
	repo.PutLesson("l1", "Intro")
	ctx := context.Background()
	for _, r := range []struct {
		user string
		secs int64
	}{{"u1", 100}, {"u2", 200}} {
		if err := repo.ApplyLearningTime(ctx, r.user, "l1", "c1", r.secs); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return repo
}

func TestGetLearningTimeStatistics(t *testing.T) {
	svc := NewService(seed(t))

	got, err := svc.GetLearningTimeStatistics(context.Background(), "c1")
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	want := Statistics{
		CourseTotals:     store.CourseTotals{AverageSeconds: 150, UniqueUsers: 2},
		AveragePerLesson: []store.LessonAverage{{LessonID: "l1", AverageSeconds: 150, TotalUsers: 2, TotalSeconds: 300}},
		TotalPerStudent: []store.StudentTotal{
			{UserID: "u2", TotalSeconds: 200},
			{UserID: "u1", TotalSeconds: 100, Groups: []store.Group{{ID: "g1", Name: "Morning"}}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("statistics mismatch (-want +got):\n%s", diff)
	}
}

func TestGetLearningTimeStatisticsEmptyCourse(t *testing.T) {
	got, err := NewService(store.NewMemoryRepository()).GetLearningTimeStatistics(context.Background(), "none")
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if got.CourseTotals != (store.CourseTotals{}) {
		t.Fatalf("expected zero totals, got %+v", got.CourseTotals)
	}
	if len(got.AveragePerLesson) != 0 || len(got.TotalPerStudent) != 0 {
		t.Fatalf("expected empty lists, got %+v", got)
	}
}

func TestGetDetailedLearningTime(t *testing.T) {
	got, err := NewService(seed(t)).GetDetailedLearningTime(context.Background(), "c1")
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].LessonTitle != "Intro" || got[0].User.FirstName != "Ada" {
		t.Fatalf("expected joined user and lesson, got %+v", got[0])
	}
}

func TestErrorsPropagate(t *testing.T) {
	svc := NewService(brokenReader{})
	if _, err := svc.GetLearningTimeStatistics(context.Background(), "c1"); !errors.Is(err, errDB) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
	if _, err := svc.GetDetailedLearningTime(context.Background(), "c1"); !errors.Is(err, errDB) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}
