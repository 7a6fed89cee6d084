package middleware

import (
	"strconv"
	"strings"
)

// AllowList 是机器人命令的静态访问白名单。
// 条目可以是数字用户 ID，也可以是用户名（可带 @，不区分大小写）。
type AllowList struct {
	ids       map[int64]struct{}
	usernames map[string]struct{}
}

// NewAllowList 根据配置中的条目创建白名单。
func NewAllowList(entries []string) *AllowList {
	a := &AllowList{
		ids:       make(map[int64]struct{}),
		usernames: make(map[string]struct{}),
	}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if id, err := strconv.ParseInt(e, 10, 64); err == nil {
			a.ids[id] = struct{}{}
			continue
		}
		a.usernames[normalizeUsername(e)] = struct{}{}
	}
	return a
}

// Allowed 判断用户是否在白名单中，只做精确匹配。
func (a *AllowList) Allowed(userID int64, username string) bool {
	if _, ok := a.ids[userID]; ok {
		return true
	}
	if username == "" {
		return false
	}
	_, ok := a.usernames[normalizeUsername(username)]
	return ok
}

// Len 返回白名单条目数。
func (a *AllowList) Len() int {
	return len(a.ids) + len(a.usernames)
}

func normalizeUsername(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}
