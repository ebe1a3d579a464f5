package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Compile-time interface checks.
var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)

const (
	course  = "course-1"
	lessonA = "lesson-a"
	lessonB = "lesson-b"
)

func TestApplyLearningTime_Additive(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	_ = r.ApplyLearningTime(ctx, "u1", lessonA, course, 30)
	_ = r.ApplyLearningTime(ctx, "u1", lessonA, course, 45)

	got, err := r.GetLearningTimeForUser(ctx, "u1", lessonA)
	if err != nil {
		t.Fatal(err)
	}
	if got != 75 {
		t.Fatalf("expected 75, got %d", got)
	}
}

func TestApplyLearningTime_UsersIndependent(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	_ = r.ApplyLearningTime(ctx, "u1", lessonA, course, 100)
	_ = r.ApplyLearningTime(ctx, "u2", lessonA, course, 200)

	if got, _ := r.GetLearningTimeForUser(ctx, "u1", lessonA); got != 100 {
		t.Fatalf("expected 100 for u1, got %d", got)
	}
	if got, _ := r.GetLearningTimeForUser(ctx, "u2", lessonA); got != 200 {
		t.Fatalf("expected 200 for u2, got %d", got)
	}
}

func TestApplyLearningTime_RejectsInvalid(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	if err := r.ApplyLearningTime(ctx, "u1", lessonA, course, 0); !errors.Is(err, ErrInvalidFlush) {
		t.Fatalf("expected ErrInvalidFlush, got %v", err)
	}
	if err := r.ApplyLearningTime(ctx, "", lessonA, course, 10); !errors.Is(err, ErrInvalidFlush) {
		t.Fatalf("expected ErrInvalidFlush, got %v", err)
	}
}

func TestApplyLearningTime_Concurrent(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.ApplyLearningTime(ctx, "u1", lessonA, course, 30)
		}()
	}
	wg.Wait()
	if got, _ := r.GetLearningTimeForUser(ctx, "u1", lessonA); got != 1500 {
		t.Fatalf("expected 1500, got %d", got)
	}
}

func TestApplyFlush_Dedup(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	f := Flush{JobID: "job-1", UserID: "u1", LessonID: lessonA, CourseID: course, SecondsToAdd: 90}

	applied, err := r.ApplyFlush(ctx, f)
	if err != nil || !applied {
		t.Fatalf("expected first apply, got applied=%v err=%v", applied, err)
	}
	applied, err = r.ApplyFlush(ctx, f)
	if err != nil || applied {
		t.Fatalf("expected duplicate no-op, got applied=%v err=%v", applied, err)
	}
	f.JobID = "job-2"
	_, _ = r.ApplyFlush(ctx, f)

	if got, _ := r.GetLearningTimeForUser(ctx, "u1", lessonA); got != 180 {
		t.Fatalf("expected 180, got %d", got)
	}
}

func TestApplyFlush_RequiresJobID(t *testing.T) {
	r := NewMemoryRepository()
	_, err := r.ApplyFlush(context.Background(), Flush{UserID: "u1", LessonID: lessonA, CourseID: course, SecondsToAdd: 1})
	if !errors.Is(err, ErrInvalidFlush) {
		t.Fatalf("expected ErrInvalidFlush, got %v", err)
	}
}

func TestGetLearningTimeForUser_Missing(t *testing.T) {
	r := NewMemoryRepository()
	got, err := r.GetLearningTimeForUser(context.Background(), "nobody", lessonA)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestEmptyCourse(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	_ = r.ApplyLearningTime(ctx, "u1", lessonA, "other-course", 50)

	totals, err := r.GetCourseTotalLearningTime(ctx, course)
	if err != nil {
		t.Fatal(err)
	}
	if totals.AverageSeconds != 0 || totals.UniqueUsers != 0 {
		t.Fatalf("expected {0 0}, got %+v", totals)
	}

	details, _ := r.GetLearningTimeForCourse(ctx, course)
	if details == nil || len(details) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", details)
	}
	avgs, _ := r.GetAverageLearningTimePerLesson(ctx, course)
	if avgs == nil || len(avgs) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", avgs)
	}
	students, _ := r.GetTotalLearningTimePerStudent(ctx, course)
	if students == nil || len(students) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", students)
	}
}

func seed(t *testing.T) *MemoryRepository {
	t.Helper()
	r := NewMemoryRepository()
	ctx := context.Background()
	r.PutUser("u1", UserInfo{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}, Group{ID: "g1", Name: "Morning"})
	r.PutUser("u2", UserInfo{FirstName: "Alan", LastName: "Turing", Email: "alan@example.com"})
	r.PutLesson(lessonA, "Introduction")
	r.PutLesson(lessonB, "Basics")

	for _, a := range []struct {
		user, lesson string
		secs         int64
	}{
		{"u1", lessonA, 100},
		{"u2", lessonA, 200},
		{"u1", lessonB, 60},
	} {
		if err := r.ApplyLearningTime(ctx, a.user, a.lesson, course, a.secs); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func TestGetAverageLearningTimePerLesson(t *testing.T) {
	r := seed(t)
	got, err := r.GetAverageLearningTimePerLesson(context.Background(), course)
	if err != nil {
		t.Fatal(err)
	}
	want := []LessonAverage{
		{LessonID: lessonA, AverageSeconds: 150, TotalUsers: 2, TotalSeconds: 300},
		{LessonID: lessonB, AverageSeconds: 60, TotalUsers: 1, TotalSeconds: 60},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected averages (-want +got):\n%s", diff)
	}
}

func TestGetCourseTotalLearningTime(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	_ = r.ApplyLearningTime(ctx, "u1", lessonA, course, 100)
	_ = r.ApplyLearningTime(ctx, "u2", lessonA, course, 200)

	got, err := r.GetCourseTotalLearningTime(ctx, course)
	if err != nil {
		t.Fatal(err)
	}
	if got.AverageSeconds != 150 || got.UniqueUsers != 2 {
		t.Fatalf("expected {150 2}, got %+v", got)
	}
}

func TestGetTotalLearningTimePerStudent(t *testing.T) {
	r := seed(t)
	got, err := r.GetTotalLearningTimePerStudent(context.Background(), course)
	if err != nil {
		t.Fatal(err)
	}
	want := []StudentTotal{
		{UserID: "u2", TotalSeconds: 200},
		{UserID: "u1", TotalSeconds: 160, Groups: []Group{{ID: "g1", Name: "Morning"}}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected totals (-want +got):\n%s", diff)
	}
	if got[0].Groups != nil {
		t.Fatal("expected nil groups for user without groups")
	}
}

func TestGetLearningTimeForCourse(t *testing.T) {
	r := seed(t)
	got, err := r.GetLearningTimeForCourse(context.Background(), course)
	if err != nil {
		t.Fatal(err)
	}
	want := []CourseLearningTime{
		{UserID: "u1", LessonID: lessonB, TotalSeconds: 60, LessonTitle: "Basics",
			User: UserInfo{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}},
		{UserID: "u1", LessonID: lessonA, TotalSeconds: 100, LessonTitle: "Introduction",
			User: UserInfo{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}},
		{UserID: "u2", LessonID: lessonA, TotalSeconds: 200, LessonTitle: "Introduction",
			User: UserInfo{FirstName: "Alan", LastName: "Turing", Email: "alan@example.com"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected details (-want +got):\n%s", diff)
	}
}

func TestAverageIsExact(t *testing.T) {
	cases := []struct {
		total, users int64
		want         float64
	}{
		{0, 0, 0},
		{300, 2, 150},
		{100, 3, float64(100) / 3},
		{90, 1, 90},
	}
	for _, tc := range cases {
		if got := average(tc.total, tc.users); got != tc.want {
			t.Fatalf("average(%d, %d): expected %v, got %v", tc.total, tc.users, tc.want, got)
		}
	}
}

func TestFlushValidate(t *testing.T) {
	for i, f := range []Flush{
		{JobID: "", UserID: "u", LessonID: "l", CourseID: "c", SecondsToAdd: 1},
		{JobID: "j", UserID: "u", LessonID: "", CourseID: "c", SecondsToAdd: 1},
		{JobID: "j", UserID: "u", LessonID: "l", CourseID: "c", SecondsToAdd: -1},
	} {
		if err := f.Validate(); !errors.Is(err, ErrInvalidFlush) {
			t.Fatalf("case %d: expected ErrInvalidFlush, got %v", i, err)
		}
	}
}
