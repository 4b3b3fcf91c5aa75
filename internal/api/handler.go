package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"athena-grader/internal/config"
	"athena-grader/internal/excel"
	"athena-grader/internal/logger"
	"athena-grader/internal/model"
	"athena-grader/internal/storage"
	"athena-grader/internal/submission"
	apperrors "athena-grader/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// The upstream gateway authenticates the caller and forwards its role here.
const viewerRoleHeader = "X-Viewer-Role"

const roleKey = "viewer_role"

// QueueStats reports the autograde backlog for the health check.
type QueueStats interface {
	Depth(ctx context.Context) (int64, error)
}

type Handler struct {
	service   *submission.Service
	gradebook *excel.GradebookWriter
	sheets    *excel.GradeSheetParser
	queue     QueueStats
	cfg       *config.Config
	log       zerolog.Logger
}

func NewHandler(service *submission.Service, queue QueueStats, cfg *config.Config) *Handler {
	return &Handler{
		service:   service,
		gradebook: excel.NewGradebookWriter(),
		sheets:    excel.NewGradeSheetParser(),
		queue:     queue,
		cfg:       cfg,
		log:       logger.Get(),
	}
}

// ViewerMiddleware resolves the viewer role. A missing header means student.
func ViewerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := submission.Role(strings.ToLower(strings.TrimSpace(c.GetHeader(viewerRoleHeader))))
		if role == "" {
			role = submission.RoleStudent
		}
		if !role.Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid viewer role"})
			return
		}
		c.Set(roleKey, role)
		c.Next()
	}
}

func RequireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !viewerRole(c).Staff() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Instructor or TA role required"})
			return
		}
		c.Next()
	}
}

func viewerRole(c *gin.Context) submission.Role {
	if v, ok := c.Get(roleKey); ok {
		if role, ok := v.(submission.Role); ok {
			return role
		}
	}
	return submission.RoleStudent
}

func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + strings.ReplaceAll(name, "_", " ")})
		return 0, false
	}
	return id, true
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error, msg string) {
	var validation apperrors.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field})
	case errors.Is(err, apperrors.ErrSubmissionNotFound),
		errors.Is(err, apperrors.ErrAssignmentNotFound),
		errors.Is(err, apperrors.ErrGradeNotFound),
		errors.Is(err, apperrors.ErrAutogradeResultNotFound),
		errors.Is(err, storage.ErrObjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, apperrors.ErrSubmissionSuperseded),
		errors.Is(err, apperrors.ErrInvalidTransition),
		errors.Is(err, apperrors.ErrAutogradeResultExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, apperrors.ErrReportsNotReleased):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func (h *Handler) CreateSubmission(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.Server.MaxUploadBytes)

	studentID, err := strconv.ParseInt(c.PostForm("student_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid student ID"})
		return
	}
	assignmentID, err := strconv.ParseInt(c.PostForm("assignment_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid assignment ID"})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Submission file is required"})
		return
	}
	file, err := header.Open()
	if err != nil {
		h.writeError(c, err, "Failed to open uploaded file")
		return
	}
	defer file.Close()

	sub, err := h.service.Create(c.Request.Context(), submission.CreateRequest{
		StudentID:    studentID,
		AssignmentID: assignmentID,
		FileName:     header.Filename,
		Content:      file,
	})
	if err != nil {
		h.writeError(c, err, "Failed to create submission")
		return
	}

	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) GetSubmission(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	view, err := h.service.View(c.Request.Context(), id, viewerRole(c))
	if err != nil {
		h.writeError(c, err, "Failed to load submission")
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) SaveGrade(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req model.GradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	grade, err := h.service.SaveGrade(c.Request.Context(), id, req)
	if err != nil {
		h.writeError(c, err, "Failed to save grade")
		return
	}
	c.JSON(http.StatusOK, grade)
}

func (h *Handler) RemoveGrade(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	status, err := h.service.RemoveGrade(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err, "Failed to remove grade")
		return
	}
	c.JSON(http.StatusOK, gin.H{"submission_id": id, "status": status})
}

func (h *Handler) ResetAutograde(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	sub, err := h.service.ResetAutograde(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err, "Failed to reset autograde")
		return
	}
	c.JSON(http.StatusOK, gin.H{"submission_id": sub.ID, "status": sub.Status})
}

func (h *Handler) SetVisibility(c *gin.Context) {
	var req model.VisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	updated, err := h.service.SetResultsVisible(c.Request.Context(), req.SubmissionIDs, req.Visible)
	if err != nil {
		h.writeError(c, err, "Failed to change result visibility")
		return
	}
	c.JSON(http.StatusOK, model.VisibilityResponse{Updated: updated, Visible: req.Visible})
}

// GetReports lists reports for an empty name, otherwise streams one file.
func (h *Handler) GetReports(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	name := strings.TrimPrefix(c.Param("name"), "/")
	if name == "" {
		names, err := h.service.Reports(c.Request.Context(), id, viewerRole(c))
		if err != nil {
			h.writeError(c, err, "Failed to list reports")
			return
		}
		c.JSON(http.StatusOK, gin.H{"submission_id": id, "reports": names})
		return
	}

	reader, err := h.service.OpenReport(c.Request.Context(), id, name, viewerRole(c))
	if err != nil {
		h.writeError(c, err, "Failed to open report")
		return
	}
	defer reader.Close()

	h.stream(c, reader, path.Base(name))
}

func (h *Handler) GetAutogradeLog(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	reader, err := h.service.AutogradeLog(c.Request.Context(), id, viewerRole(c))
	if err != nil {
		h.writeError(c, err, "Failed to open autograde log")
		return
	}
	defer reader.Close()

	h.stream(c, reader, "autograde.log")
}

func (h *Handler) stream(c *gin.Context, reader io.Reader, filename string) {
	contentType := mime.TypeByExtension(path.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, -1, contentType, reader, map[string]string{
		"Content-Disposition": mime.FormatMediaType("inline", map[string]string{"filename": filename}),
	})
}

func (h *Handler) ExportGradebook(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	assignment, rows, err := h.service.Gradebook(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err, "Failed to load gradebook")
		return
	}

	filename := "gradebook-" + strconv.FormatInt(id, 10) + ".xlsx"
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Status(http.StatusOK)
	if err := h.gradebook.Write(c.Writer, assignment, rows); err != nil {
		h.log.Error().Err(err).Int64("assignment_id", id).Msg("Failed to write gradebook")
	}
}

// ImportGradebook applies the manual grades of an uploaded workbook.
func (h *Handler) ImportGradebook(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.Server.MaxUploadBytes)

	graderID, err := strconv.ParseInt(c.PostForm("grader_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid grader ID"})
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Gradebook file is required"})
		return
	}
	file, err := header.Open()
	if err != nil {
		h.writeError(c, err, "Failed to open uploaded file")
		return
	}
	defer file.Close()

	rows, err := h.sheets.Parse(c.Request.Context(), file)
	if err != nil {
		h.writeError(c, err, "Failed to parse gradebook")
		return
	}

	report, err := h.service.ImportGrades(c.Request.Context(), id, graderID, rows)
	if err != nil {
		h.writeError(c, err, "Failed to import grades")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	resp := gin.H{
		"status":  "healthy",
		"service": h.cfg.App.Name,
		"version": h.cfg.App.Version,
	}
	if h.queue != nil {
		depth, err := h.queue.Depth(c.Request.Context())
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to read autograde queue depth")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "autograde queue unreachable"})
			return
		}
		resp["autograde_queue_depth"] = depth
	}
	c.JSON(http.StatusOK, resp)
}
