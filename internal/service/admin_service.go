package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"morpho-bot/internal/config"
	"morpho-bot/internal/model"
	"morpho-bot/internal/repository"
	"morpho-bot/pkg/log"
	"morpho-bot/pkg/token"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// RoleAdmin 是管理员 token 中的角色。
const RoleAdmin = "ADMIN"

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
	// ErrFeatureDisabled 表示对应的后端（归档、检索、导出）没有配置。
	ErrFeatureDisabled = errors.New("feature disabled")
)

// TurnSearcher 在归档中做全文检索。
type TurnSearcher interface {
	SearchTurns(ctx context.Context, query string, userID *int64, size int) ([]model.TurnSearchHit, error)
}

// ObjectUploader 把导出文件写入对象存储。
type ObjectUploader interface {
	PutJSON(ctx context.Context, objectName string, data []byte) error
	PresignedURL(ctx context.Context, objectName string) (string, error)
}

// ExportResult 描述一次导出的结果。
type ExportResult struct {
	Object string `json:"object"`
	URL    string `json:"url"`
	Count  int    `json:"count"`
}

// dialogueSnapshot 是导出文件的内容。
type dialogueSnapshot struct {
	ExportedAt model.LocalTime      `json:"exportedAt"`
	Dialogues  []model.DialogueView `json:"dialogues"`
}

// AdminService 接口定义了所有管理员相关的业务操作。
type AdminService interface {
	// Login 校验管理员凭据，返回 access token 和 refresh token。
	Login(username, password string) (accessToken, refreshToken string, err error)
	RefreshToken(refreshToken string) (string, string, error)

	ListDialogues(ctx context.Context) ([]model.DialogueView, error)
	// GetDialogue 返回单个用户的对话，没有记录时返回 repository.ErrDialogueNotFound。
	GetDialogue(ctx context.Context, userID int64) (*model.DialogueView, error)
	ResetDialogue(ctx context.Context, userID int64) error
	ExportDialogues(ctx context.Context) (*ExportResult, error)

	ListTurns(ctx context.Context, userID *int64, startTime, endTime *time.Time, limit int) ([]model.ConversationTurn, error)
	SearchTurns(ctx context.Context, query string, userID *int64, size int) ([]model.TurnSearchHit, error)
}

type adminService struct {
	adminCfg         config.AdminConfig
	jwtManager       *token.JWTManager
	dialogueService  DialogueService
	conversationRepo repository.ConversationRepository
	searcher         TurnSearcher
	uploader         ObjectUploader
}

// NewAdminService 创建一个新的 AdminService 实例。
// conversationRepo、searcher 和 uploader 可以为 nil，对应接口返回 ErrFeatureDisabled。
func NewAdminService(
	adminCfg config.AdminConfig,
	jwtManager *token.JWTManager,
	dialogueService DialogueService,
	conversationRepo repository.ConversationRepository,
	searcher TurnSearcher,
	uploader ObjectUploader,
) AdminService {
	return &adminService{
		adminCfg:         adminCfg,
		jwtManager:       jwtManager,
		dialogueService:  dialogueService,
		conversationRepo: conversationRepo,
		searcher:         searcher,
		uploader:         uploader,
	}
}

func (s *adminService) Login(username, password string) (string, string, error) {
	if s.adminCfg.Username == "" || s.adminCfg.PasswordHash == "" {
		return "", "", ErrFeatureDisabled
	}
	if username != s.adminCfg.Username {
		return "", "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.adminCfg.PasswordHash), []byte(password)); err != nil {
		return "", "", ErrInvalidCredentials
	}
	return s.issueTokens(username)
}

func (s *adminService) RefreshToken(refreshToken string) (string, string, error) {
	claims, err := s.jwtManager.VerifyToken(refreshToken, token.TypeRefresh)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	// 管理员账号被更换后，旧的 refresh token 失效
	if claims.Username != s.adminCfg.Username {
		return "", "", ErrInvalidToken
	}
	return s.issueTokens(claims.Username)
}

func (s *adminService) issueTokens(username string) (string, string, error) {
	accessToken, err := s.jwtManager.GenerateToken(username, RoleAdmin)
	if err != nil {
		return "", "", err
	}
	refreshToken, err := s.jwtManager.GenerateRefreshToken(username, RoleAdmin)
	if err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

func (s *adminService) ListDialogues(ctx context.Context) ([]model.DialogueView, error) {
	return s.dialogueService.ListDialogues(ctx)
}

func (s *adminService) GetDialogue(ctx context.Context, userID int64) (*model.DialogueView, error) {
	return s.dialogueService.GetDialogue(ctx, userID)
}

func (s *adminService) ResetDialogue(ctx context.Context, userID int64) error {
	return s.dialogueService.ResetDialogue(ctx, userID)
}

func (s *adminService) ExportDialogues(ctx context.Context) (*ExportResult, error) {
	if s.uploader == nil {
		return nil, ErrFeatureDisabled
	}
	dialogues, err := s.dialogueService.ListDialogues(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	data, err := json.MarshalIndent(dialogueSnapshot{
		ExportedAt: model.LocalTime(now),
		Dialogues:  dialogues,
	}, "", "  ")
	if err != nil {
		return nil, err
	}

	object := fmt.Sprintf("exports/dialogues-%s.json", now.Format("20060102-150405"))
	if err := s.uploader.PutJSON(ctx, object, data); err != nil {
		return nil, err
	}
	url, err := s.uploader.PresignedURL(ctx, object)
	if err != nil {
		return nil, err
	}
	log.Infof("导出了 %d 条对话到 %s", len(dialogues), object)
	return &ExportResult{Object: object, URL: url, Count: len(dialogues)}, nil
}

func (s *adminService) ListTurns(ctx context.Context, userID *int64, startTime, endTime *time.Time, limit int) ([]model.ConversationTurn, error) {
	if s.conversationRepo == nil {
		return nil, ErrFeatureDisabled
	}
	return s.conversationRepo.FindTurns(ctx, userID, startTime, endTime, limit)
}

func (s *adminService) SearchTurns(ctx context.Context, query string, userID *int64, size int) ([]model.TurnSearchHit, error) {
	if s.searcher == nil {
		return nil, ErrFeatureDisabled
	}
	return s.searcher.SearchTurns(ctx, query, userID, size)
}
