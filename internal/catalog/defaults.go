package catalog

import (
	"github.com/noah-isme/sma-warehouse-api/internal/models"
)

// Aggregate view names.
const (
	ViewStudentGradeSummary       = "student_grade_summary"
	ViewClassProgress             = "class_progress"
	ViewTeacherWorkload           = "teacher_workload"
	ViewSubjectPerformanceRanking = "subject_performance_ranking"
)

// DefaultViews returns the school analytics aggregates.
func DefaultViews() []models.AggregateView {
	return []models.AggregateView{
		{
			Name:        ViewStudentGradeSummary,
			Version:     1,
			Description: "Per student, subject and term grade summary",
			RefreshStatement: `SELECT e.student_id, g.subject_id, e.term_id, e.class_id,
    AVG(g.grade_value)::NUMERIC(6,2) AS avg_score,
    MIN(g.grade_value) AS min_score,
    MAX(g.grade_value) AS max_score,
    COUNT(*) AS grade_count,
    MAX(g.updated_at) AS last_graded_at
FROM grades g
JOIN enrollments e ON e.id = g.enrollment_id
GROUP BY e.student_id, g.subject_id, e.term_id, e.class_id`,
			IndexColumns: []string{"student_id", "subject_id", "term_id"},
		},
		{
			Name:        ViewClassProgress,
			Version:     1,
			Description: "Per class and term grade and attendance progress",
			RefreshStatement: `SELECT e.class_id, e.term_id,
    COUNT(DISTINCT e.student_id) AS student_count,
    AVG(g.grade_value)::NUMERIC(6,2) AS avg_score,
    COALESCE(att.attendance_rate, 0)::NUMERIC(5,2) AS attendance_rate
FROM enrollments e
LEFT JOIN grades g ON g.enrollment_id = e.id
LEFT JOIN (
    SELECT e2.class_id, e2.term_id,
        SUM(CASE WHEN da.status = 'H' THEN 1 ELSE 0 END)::DECIMAL / NULLIF(COUNT(*), 0) * 100 AS attendance_rate
    FROM daily_attendance da
    JOIN enrollments e2 ON e2.id = da.enrollment_id
    GROUP BY e2.class_id, e2.term_id
) att ON att.class_id = e.class_id AND att.term_id = e.term_id
GROUP BY e.class_id, e.term_id, att.attendance_rate`,
			IndexColumns: []string{"class_id", "term_id"},
		},
		{
			Name:        ViewTeacherWorkload,
			Version:     1,
			Description: "Per teacher and term assignment and teaching-hour load",
			RefreshStatement: `SELECT ta.teacher_id, ta.term_id,
    COUNT(DISTINCT ta.class_id) AS class_count,
    COUNT(DISTINCT ta.subject_id) AS subject_count,
    COALESCE(sc.weekly_slots, 0) AS weekly_slots
FROM teacher_assignments ta
LEFT JOIN (
    SELECT teacher_id, term_id, COUNT(*) AS weekly_slots
    FROM schedules
    GROUP BY teacher_id, term_id
) sc ON sc.teacher_id = ta.teacher_id AND sc.term_id = ta.term_id
GROUP BY ta.teacher_id, ta.term_id, sc.weekly_slots`,
			IndexColumns: []string{"teacher_id", "term_id"},
		},
		{
			Name:        ViewSubjectPerformanceRanking,
			Version:     1,
			Description: "Per subject and term average score with rank",
			RefreshStatement: `SELECT g.subject_id, e.term_id,
    AVG(g.grade_value)::NUMERIC(6,2) AS avg_score,
    PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY g.grade_value)::NUMERIC(6,2) AS median_score,
    COUNT(DISTINCT e.student_id) AS student_count,
    RANK() OVER (PARTITION BY e.term_id ORDER BY AVG(g.grade_value) DESC) AS subject_rank
FROM grades g
JOIN enrollments e ON e.id = g.enrollment_id
GROUP BY g.subject_id, e.term_id`,
			IndexColumns: []string{"subject_id", "term_id"},
		},
	}
}

// DefaultQueries returns the dashboard query catalog.
func DefaultQueries() []models.QueryDefinition {
	return []models.QueryDefinition{
		{
			Name:        "student_progress",
			Description: "Grade summary per subject for one student",
			Params: []models.ParamSpec{
				{Name: "student_id", Type: models.ParamUUID, Required: true},
				{Name: "term_id", Type: models.ParamUUID},
			},
			Target: models.QueryTarget{Kind: models.TargetView, View: ViewStudentGradeSummary},
			Statement: `SELECT student_id, subject_id, term_id, class_id, avg_score, min_score, max_score, grade_count, last_graded_at
FROM student_grade_summary
WHERE student_id = CAST(:student_id AS UUID)
  AND (CAST(:term_id AS UUID) IS NULL OR term_id = CAST(:term_id AS UUID))
ORDER BY term_id, subject_id`,
			DefaultLimit: 100,
			MaxLimit:     500,
		},
		{
			Name:        "class_performance",
			Description: "Progress of every class in a term",
			Params: []models.ParamSpec{
				{Name: "term_id", Type: models.ParamUUID, Required: true},
				{Name: "class_id", Type: models.ParamUUID},
			},
			Target: models.QueryTarget{Kind: models.TargetView, View: ViewClassProgress},
			Statement: `SELECT class_id, term_id, student_count, avg_score, attendance_rate
FROM class_progress
WHERE term_id = CAST(:term_id AS UUID)
  AND (CAST(:class_id AS UUID) IS NULL OR class_id = CAST(:class_id AS UUID))
ORDER BY avg_score DESC NULLS LAST`,
			DefaultLimit: 50,
			MaxLimit:     1000,
		},
		{
			Name:        "teacher_workload",
			Description: "Assignment and teaching-slot load per teacher",
			Params: []models.ParamSpec{
				{Name: "term_id", Type: models.ParamUUID, Required: true},
				{Name: "teacher_id", Type: models.ParamUUID},
				{Name: "min_slots", Type: models.ParamInt},
			},
			Target: models.QueryTarget{Kind: models.TargetView, View: ViewTeacherWorkload},
			Statement: `SELECT teacher_id, term_id, class_count, subject_count, weekly_slots
FROM teacher_workload
WHERE term_id = CAST(:term_id AS UUID)
  AND (CAST(:teacher_id AS UUID) IS NULL OR teacher_id = CAST(:teacher_id AS UUID))
  AND (CAST(:min_slots AS INTEGER) IS NULL OR weekly_slots >= CAST(:min_slots AS INTEGER))
ORDER BY weekly_slots DESC`,
			DefaultLimit: 100,
			MaxLimit:     2000,
			// workload feeds SLA checks, so replica lag is not acceptable
			PrimaryOnly: true,
		},
		{
			Name:        "subject_rankings",
			Description: "Subjects ranked by average score within a term",
			Params: []models.ParamSpec{
				{Name: "term_id", Type: models.ParamUUID, Required: true},
			},
			Target: models.QueryTarget{Kind: models.TargetView, View: ViewSubjectPerformanceRanking},
			Statement: `SELECT subject_id, term_id, avg_score, median_score, student_count, subject_rank
FROM subject_performance_ranking
WHERE term_id = CAST(:term_id AS UUID)
ORDER BY subject_rank`,
			DefaultLimit: 50,
			MaxLimit:     500,
		},
		{
			Name:        "top_performers",
			Description: "Highest average scores across subjects",
			Params: []models.ParamSpec{
				{Name: "term_id", Type: models.ParamUUID},
				{Name: "subject_id", Type: models.ParamUUID},
			},
			Target: models.QueryTarget{Kind: models.TargetView, View: ViewStudentGradeSummary},
			Statement: `SELECT student_id, subject_id, term_id, class_id, avg_score, grade_count
FROM student_grade_summary
WHERE (CAST(:term_id AS UUID) IS NULL OR term_id = CAST(:term_id AS UUID))
  AND (CAST(:subject_id AS UUID) IS NULL OR subject_id = CAST(:subject_id AS UUID))
ORDER BY avg_score DESC, student_id`,
			DefaultLimit: 10,
			MaxLimit:     100,
			WarmParams:   []map[string]interface{}{{}},
		},
		{
			Name:        "bottom_performers",
			Description: "Lowest average scores across subjects",
			Params: []models.ParamSpec{
				{Name: "term_id", Type: models.ParamUUID},
				{Name: "subject_id", Type: models.ParamUUID},
			},
			Target: models.QueryTarget{Kind: models.TargetView, View: ViewStudentGradeSummary},
			Statement: `SELECT student_id, subject_id, term_id, class_id, avg_score, grade_count
FROM student_grade_summary
WHERE (CAST(:term_id AS UUID) IS NULL OR term_id = CAST(:term_id AS UUID))
  AND (CAST(:subject_id AS UUID) IS NULL OR subject_id = CAST(:subject_id AS UUID))
ORDER BY avg_score ASC, student_id`,
			DefaultLimit: 10,
			MaxLimit:     100,
			WarmParams:   []map[string]interface{}{{}},
		},
		{
			Name:        "engagement_metrics",
			Description: "Live attendance engagement per class over a date range",
			Params: []models.ParamSpec{
				{Name: "date_from", Type: models.ParamDate},
				{Name: "date_to", Type: models.ParamDate},
				{Name: "class_id", Type: models.ParamUUID},
			},
			Target: models.QueryTarget{Kind: models.TargetLive},
			Statement: `SELECT e.class_id,
    COUNT(*) AS sessions,
    SUM(CASE WHEN da.status = 'H' THEN 1 ELSE 0 END) AS present_count,
    CASE WHEN COUNT(*) = 0 THEN 0 ELSE CAST(SUM(CASE WHEN da.status = 'H' THEN 1 ELSE 0 END) AS DECIMAL) / COUNT(*) * 100 END AS engagement_rate
FROM daily_attendance da
JOIN enrollments e ON e.id = da.enrollment_id
WHERE (CAST(:date_from AS DATE) IS NULL OR da.date >= CAST(:date_from AS DATE))
  AND (CAST(:date_to AS DATE) IS NULL OR da.date <= CAST(:date_to AS DATE))
  AND (CAST(:class_id AS UUID) IS NULL OR e.class_id = CAST(:class_id AS UUID))
GROUP BY e.class_id
ORDER BY engagement_rate DESC`,
			DefaultLimit: 50,
			MaxLimit:     1000,
			WarmParams:   []map[string]interface{}{{}},
		},
	}
}

// Bootstrap registers views and queries, failing on the first invalid definition.
func Bootstrap(views *ViewRegistry, queries *QueryCatalog, viewDefs []models.AggregateView, queryDefs []models.QueryDefinition) error {
	for _, view := range viewDefs {
		if err := views.Define(view); err != nil {
			return err
		}
	}
	for _, def := range queryDefs {
		if err := queries.Register(def); err != nil {
			return err
		}
	}
	return nil
}
