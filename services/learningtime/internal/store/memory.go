package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	userID   string
	lessonID string
}

// MemoryRepository is a development-only in-memory implementation.
type MemoryRepository struct {
	mu        sync.RWMutex
	now       func() time.Time
	records   map[recordKey]LearningTimeRecord
	processed map[string]struct{}
	users     map[string]UserInfo
	lessons   map[string]string // lesson_id -> title
	groups    map[string][]Group
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:       time.Now,
		records:   make(map[recordKey]LearningTimeRecord),
		processed: make(map[string]struct{}),
		users:     make(map[string]UserInfo),
		lessons:   make(map[string]string),
		groups:    make(map[string][]Group),
	}
}

// PutUser registers display metadata for a user.
func (m *MemoryRepository) PutUser(userID string, info UserInfo, groups ...Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = info
	if len(groups) > 0 {
		m.groups[userID] = append([]Group(nil), groups...)
	}
}

// PutLesson registers a lesson title.
func (m *MemoryRepository) PutLesson(lessonID, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lessons[lessonID] = title
}

func (m *MemoryRepository) ApplyLearningTime(_ context.Context, userID, lessonID, courseID string, secondsToAdd int64) error {
	if err := validateIncrement(userID, lessonID, courseID, secondsToAdd); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(userID, lessonID, courseID, secondsToAdd)
	return nil
}

func (m *MemoryRepository) ApplyFlush(_ context.Context, f Flush) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[f.JobID]; ok {
		return false, nil
	}
	m.processed[f.JobID] = struct{}{}
	m.applyLocked(f.UserID, f.LessonID, f.CourseID, f.SecondsToAdd)
	return true, nil
}

func (m *MemoryRepository) applyLocked(userID, lessonID, courseID string, seconds int64) {
	now := m.now().UTC()
	k := recordKey{userID: userID, lessonID: lessonID}
	rec, ok := m.records[k]
	if !ok {
		rec = LearningTimeRecord{UserID: userID, LessonID: lessonID, CourseID: courseID, CreatedAt: now}
	}
	rec.TotalSeconds += seconds
	rec.UpdatedAt = now
	m.records[k] = rec
}

func (m *MemoryRepository) GetLearningTimeForUser(_ context.Context, userID, lessonID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[recordKey{userID: userID, lessonID: lessonID}].TotalSeconds, nil
}

func (m *MemoryRepository) courseRecords(courseID string) []LearningTimeRecord {
	var out []LearningTimeRecord
	for _, r := range m.records {
		if r.CourseID == courseID {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemoryRepository) GetLearningTimeForCourse(_ context.Context, courseID string) ([]CourseLearningTime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []CourseLearningTime{}
	for _, r := range m.courseRecords(courseID) {
		out = append(out, CourseLearningTime{
			UserID:       r.UserID,
			LessonID:     r.LessonID,
			TotalSeconds: r.TotalSeconds,
			User:         m.users[r.UserID],
			LessonTitle:  m.lessons[r.LessonID],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LessonTitle != b.LessonTitle {
			return a.LessonTitle < b.LessonTitle
		}
		if a.LessonID != b.LessonID {
			return a.LessonID < b.LessonID
		}
		return a.UserID < b.UserID
	})
	return out, nil
}

func (m *MemoryRepository) GetAverageLearningTimePerLesson(_ context.Context, courseID string) ([]LessonAverage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type acc struct {
		total int64
		users map[string]struct{}
	}
	byLesson := map[string]*acc{}
	for _, r := range m.courseRecords(courseID) {
		a, ok := byLesson[r.LessonID]
		if !ok {
			a = &acc{users: map[string]struct{}{}}
			byLesson[r.LessonID] = a
		}
		a.total += r.TotalSeconds
		a.users[r.UserID] = struct{}{}
	}

	out := make([]LessonAverage, 0, len(byLesson))
	for lessonID, a := range byLesson {
		users := int64(len(a.users))
		out = append(out, LessonAverage{
			LessonID:       lessonID,
			AverageSeconds: average(a.total, users),
			TotalUsers:     users,
			TotalSeconds:   a.total,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessonID < out[j].LessonID })
	return out, nil
}

func (m *MemoryRepository) GetTotalLearningTimePerStudent(_ context.Context, courseID string) ([]StudentTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := map[string]int64{}
	for _, r := range m.courseRecords(courseID) {
		totals[r.UserID] += r.TotalSeconds
	}
	out := make([]StudentTotal, 0, len(totals))
	for userID, total := range totals {
		st := StudentTotal{UserID: userID, TotalSeconds: total}
		if g := m.groups[userID]; len(g) > 0 {
			st.Groups = append([]Group(nil), g...)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalSeconds != out[j].TotalSeconds {
			return out[i].TotalSeconds > out[j].TotalSeconds
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (m *MemoryRepository) GetCourseTotalLearningTime(_ context.Context, courseID string) (CourseTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	users := map[string]struct{}{}
	for _, r := range m.courseRecords(courseID) {
		total += r.TotalSeconds
		users[r.UserID] = struct{}{}
	}
	n := int64(len(users))
	return CourseTotals{AverageSeconds: average(total, n), UniqueUsers: n}, nil
}
