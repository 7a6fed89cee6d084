// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"morpho-bot/internal/config"
	"morpho-bot/internal/model"
	"morpho-bot/pkg/log"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// turnDocument 是写入索引的一条问答记录。
type turnDocument struct {
	EventID   string    `json:"event_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// TurnIndex 负责问答归档的全文索引与检索。
type TurnIndex struct {
	client    *elasticsearch.Client
	indexName string
}

// NewTurnIndex 初始化 Elasticsearch 客户端并确保索引存在。
func NewTurnIndex(esCfg config.ElasticsearchConfig) (*TurnIndex, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	idx := &TurnIndex{client: client, indexName: esCfg.IndexName}
	if err := idx.createIndexIfNotExists(); err != nil {
		return nil, err
	}
	return idx, nil
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func (t *TurnIndex) createIndexIfNotExists() error {
	res, err := t.client.Indices.Exists([]string{t.indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	defer res.Body.Close()
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", t.indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	// 用户问题多为俄语，使用内置的 standard 分词器
	mapping := `{
		"mappings": {
			"properties": {
				"event_id": { "type": "keyword" },
				"user_id": { "type": "long" },
				"username": { "type": "keyword" },
				"question": { "type": "text" },
				"answer": { "type": "text" },
				"created_at": { "type": "date" }
			}
		}
	}`

	res, err = t.client.Indices.Create(
		t.indexName,
		t.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", t.indexName, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", t.indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", t.indexName)
	return nil
}

// IndexTurn 将一条问答写入索引，EventID 作为文档 ID，重复写入是幂等的。
func (t *TurnIndex) IndexTurn(ctx context.Context, turn *model.ConversationTurn) error {
	docBytes, err := json.Marshal(turnDocument{
		EventID:   turn.EventID,
		UserID:    turn.UserID,
		Username:  turn.Username,
		Question:  turn.Question,
		Answer:    turn.Answer,
		CreatedAt: turn.CreatedAt,
	})
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      t.indexName,
		DocumentID: turn.EventID,
		Body:       bytes.NewReader(docBytes),
	}
	res, err := req.Do(ctx, t.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引问答到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index turn")
	}
	return nil
}

// SearchTurns 在问题和回答中全文检索，userID 不为 nil 时只查该用户。
func (t *TurnIndex) SearchTurns(ctx context.Context, query string, userID *int64, size int) ([]model.TurnSearchHit, error) {
	if size <= 0 {
		size = 20
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(buildSearchQuery(query, userID, size)); err != nil {
		return nil, err
	}

	res, err := t.client.Search(
		t.client.Search.WithContext(ctx),
		t.client.Search.WithIndex(t.indexName),
		t.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("Elasticsearch 检索出错: %s", res.String())
		return nil, errors.New("failed to search turns")
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	hits := make([]model.TurnSearchHit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, model.TurnSearchHit{
			EventID:   h.Source.EventID,
			UserID:    h.Source.UserID,
			Username:  h.Source.Username,
			Question:  h.Source.Question,
			Answer:    h.Source.Answer,
			CreatedAt: h.Source.CreatedAt.Format("2006-01-02 15:04:05"),
			Score:     h.Score,
		})
	}
	return hits, nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64      `json:"_score"`
			Source turnDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func buildSearchQuery(query string, userID *int64, size int) map[string]any {
	boolQuery := map[string]any{
		"must": []any{
			map[string]any{
				"multi_match": map[string]any{
					"query":  query,
					"fields": []string{"question^2", "answer"},
				},
			},
		},
	}
	if userID != nil {
		boolQuery["filter"] = []any{
			map[string]any{"term": map[string]any{"user_id": *userID}},
		}
	}
	return map[string]any{
		"size":  size,
		"query": map[string]any{"bool": boolQuery},
		"sort": []any{
			"_score",
			map[string]any{"created_at": map[string]any{"order": "desc"}},
		},
	}
}
