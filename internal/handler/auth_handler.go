package handler

import (
	"errors"
	"morpho-bot/internal/service"
	"morpho-bot/pkg/log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责处理管理员登录和刷新 token。
type AuthHandler struct {
	adminService service.AdminService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(adminService service.AdminService) *AuthHandler {
	return &AuthHandler{adminService: adminService}
}

// LoginRequest 定义了登录 API 的请求体结构。
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 校验管理员凭据并签发 token。
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "用户名和密码不能为空", "data": nil})
		return
	}

	accessToken, refreshToken, err := h.adminService.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, service.ErrFeatureDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "未配置管理员账号", "data": nil})
		return
	case errors.Is(err, service.ErrInvalidCredentials):
		log.Warnf("Login: invalid credentials for '%s' from %s", req.Username, c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "用户名或密码错误", "data": nil})
		return
	case err != nil:
		log.Error("Login: failed to issue token", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "登录失败", "data": nil})
		return
	}

	log.Infof("Admin user '%s' logged in", req.Username)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"token":        accessToken,
			"refreshToken": refreshToken,
		},
	})
}

// RefreshTokenRequest 定义了刷新 token API 的请求体结构。
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// RefreshToken 处理刷新 token 的请求。
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("RefreshToken: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载：refreshToken 不能为空"})
		return
	}

	newAccessToken, newRefreshToken, err := h.adminService.RefreshToken(req.RefreshToken)
	if err != nil {
		log.Warnf("RefreshToken: Failed to refresh token, error: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无效的 refresh token"})
		return
	}

	log.Info("Token refreshed successfully")
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "Token refreshed successfully",
		"data": gin.H{
			"token":        newAccessToken,
			"refreshToken": newRefreshToken,
		},
	})
}
