// Package handler 包含了处理 Telegram 命令和 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"morpho-bot/internal/repository"
	"morpho-bot/internal/service"
	"morpho-bot/pkg/log"
	"morpho-bot/pkg/token"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultTurnLimit = 200

// AdminHandler 负责处理所有与管理员相关的 API 请求。
type AdminHandler struct {
	adminService service.AdminService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(adminService service.AdminService) *AdminHandler {
	return &AdminHandler{adminService: adminService}
}

// ListDialogues 返回所有用户当前保存的对话。
func (h *AdminHandler) ListDialogues(c *gin.Context) {
	dialogues, err := h.adminService.ListDialogues(c.Request.Context())
	if err != nil {
		log.Error("ListDialogues: Failed to list dialogues", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取对话列表失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": dialogues})
}

// GetDialogue 返回单个用户的对话。
func (h *AdminHandler) GetDialogue(c *gin.Context) {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return
	}
	dialogue, err := h.adminService.GetDialogue(c.Request.Context(), userID)
	if errors.Is(err, repository.ErrDialogueNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "该用户没有对话记录", "data": nil})
		return
	}
	if err != nil {
		log.Error("GetDialogue: Failed to load dialogue", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取对话失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": dialogue})
}

// ResetDialogue 清空用户的对话，与 /reset 命令语义相同。
func (h *AdminHandler) ResetDialogue(c *gin.Context) {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return
	}
	if err := h.adminService.ResetDialogue(c.Request.Context(), userID); err != nil {
		log.Error("ResetDialogue: Failed to reset dialogue", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "清空对话失败", "data": nil})
		return
	}
	log.Infof("Admin user '%s' reset dialogue of user %d", adminName(c), userID)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}

// ExportDialogues 把所有对话导出到对象存储并返回下载链接。
func (h *AdminHandler) ExportDialogues(c *gin.Context) {
	result, err := h.adminService.ExportDialogues(c.Request.Context())
	if err != nil {
		writeServiceError(c, "ExportDialogues", "导出对话失败", err)
		return
	}
	log.Infof("Admin user '%s' exported %d dialogues", adminName(c), result.Count)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": result})
}

// ListTurns 按用户和日期范围查询问答归档。
func (h *AdminHandler) ListTurns(c *gin.Context) {
	userID, ok := parseUserIDQuery(c)
	if !ok {
		return
	}

	// 解析可选的时间范围
	var startTime, endTime *time.Time
	timeLayout := "2006-01-02"
	if startDateStr := c.Query("start_date"); startDateStr != "" {
		t, err := time.Parse(timeLayout, startDateStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "Invalid start_date format, use YYYY-MM-DD", "data": nil})
			return
		}
		startTime = &t
	}
	if endDateStr := c.Query("end_date"); endDateStr != "" {
		t, err := time.Parse(timeLayout, endDateStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "Invalid end_date format, use YYYY-MM-DD", "data": nil})
			return
		}
		// 包含结束日期当天
		t = t.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
		endTime = &t
	}

	limit := defaultTurnLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "Invalid limit", "data": nil})
			return
		}
		limit = n
	}

	turns, err := h.adminService.ListTurns(c.Request.Context(), userID, startTime, endTime, limit)
	if err != nil {
		writeServiceError(c, "ListTurns", "查询归档失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": turns})
}

// SearchTurns 在归档中全文检索。
func (h *AdminHandler) SearchTurns(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少检索词 q", "data": nil})
		return
	}
	userID, ok := parseUserIDQuery(c)
	if !ok {
		return
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", "20"))
	if err != nil || size <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "Invalid size", "data": nil})
		return
	}

	hits, err := h.adminService.SearchTurns(c.Request.Context(), query, userID, size)
	if err != nil {
		writeServiceError(c, "SearchTurns", "检索失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": hits})
}

func writeServiceError(c *gin.Context, op, message string, err error) {
	if errors.Is(err, service.ErrFeatureDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "该功能未启用", "data": nil})
		return
	}
	log.Errorf("%s: %s: %v", op, message, err)
	c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": message, "data": nil})
}

func parseUserIDParam(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的用户 ID", "data": nil})
		return 0, false
	}
	return userID, true
}

func parseUserIDQuery(c *gin.Context) (*int64, bool) {
	s := c.Query("userId")
	if s == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "Invalid user ID format", "data": nil})
		return nil, false
	}
	return &id, true
}

func adminName(c *gin.Context) string {
	if v, ok := c.Get("claims"); ok {
		if claims, ok := v.(*token.CustomClaims); ok {
			return claims.Username
		}
	}
	return ""
}
