package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

const (
	userTurnPrefix = "User: "
	botTurnPrefix  = "\nBot: "

	// DefaultMaxTranscriptChars 是对话记录保留的尾部字符数。
	// 按字符而不是 token 计算，与模型上下文长度无关。
	DefaultMaxTranscriptChars = 1000
)

// BuildPrompt 在已有对话之后追加新一轮 "User: <text>\nBot: "，留给补全接口续写。
// previous 为空表示没有历史。
func BuildPrompt(previous, userText string) string {
	return previous + userTurnPrefix + userText + botTurnPrefix
}

// TruncateTranscript 只保留 transcript 末尾的 maxChars 个字符（Unicode 码点）。
// 对已经不超过上限的字符串是空操作。
func TruncateTranscript(transcript string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	total := utf8.RuneCountInString(transcript)
	if total <= maxChars {
		return transcript
	}
	skip := total - maxChars
	for i := range transcript {
		if skip == 0 {
			return transcript[i:]
		}
		skip--
	}
	return ""
}

// EncodeTranscript 把对话文本编码为单个 JSON 字符串。
func EncodeTranscript(transcript string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(transcript); err != nil {
		return "", fmt.Errorf("failed to encode transcript: %w", err)
	}
	// Encoder 会追加一个换行
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// DecodeTranscript 是 EncodeTranscript 的逆操作，也兼容 \uXXXX 形式的转义。
func DecodeTranscript(encoded string) (string, error) {
	var transcript string
	if err := json.Unmarshal([]byte(encoded), &transcript); err != nil {
		return "", fmt.Errorf("failed to decode transcript: %w", err)
	}
	return transcript, nil
}
