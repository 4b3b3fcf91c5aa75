package api

import (
	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, handler *Handler) {
	// Health check
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1", ViewerMiddleware())
	{
		v1.POST("/submissions", handler.CreateSubmission)
		v1.GET("/submissions/:id", handler.GetSubmission)
		v1.GET("/submissions/:id/reports", handler.GetReports)
		v1.GET("/submissions/:id/reports/*name", handler.GetReports)

		staff := v1.Group("", RequireStaff())
		staff.PUT("/submissions/:id/grade", handler.SaveGrade)
		staff.DELETE("/submissions/:id/grade", handler.RemoveGrade)
		staff.POST("/submissions/:id/autograde/reset", handler.ResetAutograde)
		staff.GET("/submissions/:id/autograde/log", handler.GetAutogradeLog)
		staff.POST("/autograde/visibility", handler.SetVisibility)
		staff.GET("/assignments/:id/gradebook.xlsx", handler.ExportGradebook)
		staff.POST("/assignments/:id/gradebook.xlsx", handler.ImportGradebook)
	}
}
