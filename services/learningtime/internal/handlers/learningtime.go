package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/learning-platform/internal/platform/api"
	"github.com/example/learning-platform/internal/platform/auth"
	"github.com/example/learning-platform/internal/platform/httpserver"
	"github.com/example/learning-platform/services/learningtime/internal/stats"
	"github.com/example/learning-platform/services/learningtime/internal/store"
)

// Statistics is the reporting surface the handlers read from.
type Statistics interface {
	GetLearningTimeStatistics(ctx context.Context, courseID string) (stats.Statistics, error)
	GetDetailedLearningTime(ctx context.Context, courseID string) ([]store.CourseLearningTime, error)
}

type LearningTime struct {
	stats Statistics
	repo  store.Reader
	log   *zap.Logger
}

func NewLearningTime(s Statistics, repo store.Reader, log *zap.Logger) *LearningTime {
	if log == nil {
		log = zap.NewNop()
	}
	return &LearningTime{stats: s, repo: repo, log: log}
}

// Routes registers the reporting endpoints. Course views are admin-only; a
// learner may read their own per-lesson total.
func (h *LearningTime) Routes(r chi.Router, verifier auth.JWTVerifier) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.RequireUser(verifier))

		r.Route("/courses/{course_id}/learning-time", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/statistics", h.GetStatistics)
			r.Get("/details", h.GetDetails)
			r.Get("/lessons", h.GetLessonAverages)
			r.Get("/students", h.GetStudentTotals)
			r.Get("/totals", h.GetCourseTotals)
		})
		r.Get("/lessons/{lesson_id}/learning-time/users/{user_id}", h.GetUserLessonTime)
	})
}

type userLessonTimeResponse struct {
	UserID       string `json:"user_id"`
	LessonID     string `json:"lesson_id"`
	TotalSeconds int64  `json:"total_seconds"`
}

func (h *LearningTime) GetStatistics(w http.ResponseWriter, r *http.Request) {
	courseID, ok := idParam(w, r, "course_id")
	if !ok {
		return
	}
	out, err := h.stats.GetLearningTimeStatistics(r.Context(), courseID)
	if err != nil {
		h.internal(w, r, "statistics", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (h *LearningTime) GetDetails(w http.ResponseWriter, r *http.Request) {
	courseID, ok := idParam(w, r, "course_id")
	if !ok {
		return
	}
	out, err := h.stats.GetDetailedLearningTime(r.Context(), courseID)
	if err != nil {
		h.internal(w, r, "details", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *LearningTime) GetLessonAverages(w http.ResponseWriter, r *http.Request) {
	courseID, ok := idParam(w, r, "course_id")
	if !ok {
		return
	}
	out, err := h.repo.GetAverageLearningTimePerLesson(r.Context(), courseID)
	if err != nil {
		h.internal(w, r, "lesson averages", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *LearningTime) GetStudentTotals(w http.ResponseWriter, r *http.Request) {
	courseID, ok := idParam(w, r, "course_id")
	if !ok {
		return
	}
	out, err := h.repo.GetTotalLearningTimePerStudent(r.Context(), courseID)
	if err != nil {
		h.internal(w, r, "student totals", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *LearningTime) GetCourseTotals(w http.ResponseWriter, r *http.Request) {
	courseID, ok := idParam(w, r, "course_id")
	if !ok {
		return
	}
	out, err := h.repo.GetCourseTotalLearningTime(r.Context(), courseID)
	if err != nil {
		h.internal(w, r, "course totals", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (h *LearningTime) GetUserLessonTime(w http.ResponseWriter, r *http.Request) {
	lessonID, ok := idParam(w, r, "lesson_id")
	if !ok {
		return
	}
	userID, ok := idParam(w, r, "user_id")
	if !ok {
		return
	}
	caller, _ := auth.UserIDFromContext(r.Context())
	role, _ := auth.RoleFromContext(r.Context())
	if caller != userID && !strings.EqualFold(role, "admin") {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	total, err := h.repo.GetLearningTimeForUser(r.Context(), userID, lessonID)
	if err != nil {
		h.internal(w, r, "user lesson time", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, userLessonTimeResponse{UserID: userID, LessonID: lessonID, TotalSeconds: total})
}

func (h *LearningTime) internal(w http.ResponseWriter, r *http.Request, what string, err error) {
	rid := httpserver.RequestIDFromContext(r.Context())
	h.log.Error("learning time query failed", zap.String("query", what), zap.String("request_id", rid), zap.Error(err))
	api.Internal(w, rid)
}

// idParam reads a uuid path parameter, writing 400 when it is malformed.
func idParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := uuid.Parse(raw)
	if err != nil {
		api.BadRequest(w, "INVALID_ID", name+" must be a uuid", httpserver.RequestIDFromContext(r.Context()), map[string]any{"value": raw})
		return "", false
	}
	return id.String(), true
}
