package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// API 是 message store REST 端点的客户端，实现 Appender 与 Lister。
type API struct {
	BaseURL string // http://host，无尾斜杠
	Token   string
	HTTP    *http.Client
}

func (a *API) client() *http.Client {
	if a.HTTP != nil {
		return a.HTTP
	}
	return http.DefaultClient
}

func (a *API) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Append 提交一条消息；携带同一个 client_key 重试不会产生重复。
func (a *API) Append(ctx context.Context, req SendRequest) (Message, error) {
	payload := map[string]any{
		"content":    req.Content,
		"client_key": req.ClientKey,
	}
	if req.Kind != "" {
		payload["kind"] = req.Kind
	}
	if req.ReplyTo != nil {
		payload["reply_to"] = *req.ReplyTo
	}
	if len(req.Attachments) > 0 {
		payload["attachments"] = req.Attachments
	}
	var out struct {
		Message Message `json:"message"`
	}
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/messages", req.RoomID), payload, &out)
	return out.Message, err
}

// ListAfter 拉取 id 大于 afterID 的一页消息，升序返回。
func (a *API) ListAfter(ctx context.Context, roomID, afterID uint, limit int) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/api/v1/rooms/%d/messages?after_id=%d&limit=%d", roomID, afterID, limit)
	err := a.do(ctx, http.MethodGet, path, nil, &out)
	return out.Messages, err
}
