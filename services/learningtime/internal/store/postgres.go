package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository persists learning time in Postgres. Display metadata
// comes from the users, lessons, group_users and groups tables owned by
// other services.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const upsertIncrementSQL = `
INSERT INTO learning_time_records (user_id, lesson_id, course_id, total_seconds, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
ON CONFLICT (user_id, lesson_id) DO UPDATE SET
	total_seconds = learning_time_records.total_seconds + EXCLUDED.total_seconds,
	updated_at = now()`

func applyIncrement(ctx context.Context, db execer, userID, lessonID, courseID string, seconds int64) error {
	_, err := db.Exec(ctx, upsertIncrementSQL, userID, lessonID, courseID, seconds)
	return classify(err)
}

// classify marks input the database can never accept (ids that are not
// UUIDs) as ErrInvalidFlush so it is not retried.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return fmt.Errorf("%w: %s", ErrInvalidFlush, pgErr.Message)
	}
	return err
}

func (r *PostgresRepository) ApplyLearningTime(ctx context.Context, userID, lessonID, courseID string, secondsToAdd int64) error {
	if err := validateIncrement(userID, lessonID, courseID, secondsToAdd); err != nil {
		return err
	}
	if err := applyIncrement(ctx, r.pool, userID, lessonID, courseID, secondsToAdd); err != nil {
		return fmt.Errorf("apply learning time: %w", err)
	}
	return nil
}

// ApplyFlush records the job id and applies the increment in one
// transaction, so a redelivered job is a no-op.
func (r *PostgresRepository) ApplyFlush(ctx context.Context, f Flush) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("apply flush %s: begin: %w", f.JobID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx,
		`INSERT INTO processed_flushes (job_id, processed_at) VALUES ($1, now()) ON CONFLICT (job_id) DO NOTHING`,
		f.JobID)
	if err != nil {
		return false, fmt.Errorf("apply flush %s: record job: %w", f.JobID, classify(err))
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}
	if err := applyIncrement(ctx, tx, f.UserID, f.LessonID, f.CourseID, f.SecondsToAdd); err != nil {
		return false, fmt.Errorf("apply flush %s: %w", f.JobID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("apply flush %s: commit: %w", f.JobID, err)
	}
	return true, nil
}

func (r *PostgresRepository) GetLearningTimeForUser(ctx context.Context, userID, lessonID string) (int64, error) {
	const q = `SELECT total_seconds FROM learning_time_records WHERE user_id = $1 AND lesson_id = $2`
	var total int64
	err := r.pool.QueryRow(ctx, q, userID, lessonID).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get learning time for user: %w", err)
	}
	return total, nil
}

func (r *PostgresRepository) GetLearningTimeForCourse(ctx context.Context, courseID string) ([]CourseLearningTime, error) {
	const q = `
SELECT r.user_id::text, r.lesson_id::text, r.total_seconds,
       COALESCE(u.first_name, ''), COALESCE(u.last_name, ''), COALESCE(u.email, ''),
       COALESCE(l.title, '')
FROM learning_time_records r
LEFT JOIN users u ON u.id = r.user_id
LEFT JOIN lessons l ON l.id = r.lesson_id
WHERE r.course_id = $1
ORDER BY COALESCE(l.title, ''), r.lesson_id, r.user_id`

	rows, err := r.pool.Query(ctx, q, courseID)
	if err != nil {
		return nil, fmt.Errorf("get learning time for course: %w", err)
	}
	defer rows.Close()

	out := []CourseLearningTime{}
	for rows.Next() {
		var c CourseLearningTime
		if err := rows.Scan(&c.UserID, &c.LessonID, &c.TotalSeconds,
			&c.User.FirstName, &c.User.LastName, &c.User.Email, &c.LessonTitle); err != nil {
			return nil, fmt.Errorf("get learning time for course: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get learning time for course: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) GetAverageLearningTimePerLesson(ctx context.Context, courseID string) ([]LessonAverage, error) {
	const q = `
SELECT lesson_id::text, SUM(total_seconds)::bigint, COUNT(DISTINCT user_id)
FROM learning_time_records
WHERE course_id = $1
GROUP BY lesson_id
ORDER BY lesson_id`

	rows, err := r.pool.Query(ctx, q, courseID)
	if err != nil {
		return nil, fmt.Errorf("get average learning time per lesson: %w", err)
	}
	defer rows.Close()

	out := []LessonAverage{}
	for rows.Next() {
		var a LessonAverage
		if err := rows.Scan(&a.LessonID, &a.TotalSeconds, &a.TotalUsers); err != nil {
			return nil, fmt.Errorf("get average learning time per lesson: %w", err)
		}
		a.AverageSeconds = average(a.TotalSeconds, a.TotalUsers)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get average learning time per lesson: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) GetTotalLearningTimePerStudent(ctx context.Context, courseID string) ([]StudentTotal, error) {
	const q = `
SELECT r.user_id::text, SUM(r.total_seconds)::bigint,
       (SELECT json_agg(json_build_object('id', g.id::text, 'name', g.name) ORDER BY g.name)
          FROM group_users gu
          JOIN groups g ON g.id = gu.group_id
         WHERE gu.user_id = r.user_id)
FROM learning_time_records r
WHERE r.course_id = $1
GROUP BY r.user_id
ORDER BY 2 DESC, 1`

	rows, err := r.pool.Query(ctx, q, courseID)
	if err != nil {
		return nil, fmt.Errorf("get total learning time per student: %w", err)
	}
	defer rows.Close()

	out := []StudentTotal{}
	for rows.Next() {
		var (
			st     StudentTotal
			groups []byte
		)
		if err := rows.Scan(&st.UserID, &st.TotalSeconds, &groups); err != nil {
			return nil, fmt.Errorf("get total learning time per student: %w", err)
		}
		if len(groups) > 0 {
			if err := json.Unmarshal(groups, &st.Groups); err != nil {
				return nil, fmt.Errorf("decode groups for %s: %w", st.UserID, err)
			}
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get total learning time per student: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) GetCourseTotalLearningTime(ctx context.Context, courseID string) (CourseTotals, error) {
	const q = `
SELECT COALESCE(SUM(total_seconds), 0)::bigint, COUNT(DISTINCT user_id)
FROM learning_time_records
WHERE course_id = $1`

	var total, users int64
	if err := r.pool.QueryRow(ctx, q, courseID).Scan(&total, &users); err != nil {
		return CourseTotals{}, fmt.Errorf("get course total learning time: %w", err)
	}
	return CourseTotals{AverageSeconds: average(total, users), UniqueUsers: users}, nil
}
