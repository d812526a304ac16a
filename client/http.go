package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fuelq-chat/protocol"

	"github.com/gabriel-vasile/mimetype"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return e.Message
}

// HTTPAPI talks to the REST surface under /api.
type HTTPAPI struct {
	base   string
	client *http.Client
	token  func() string
}

// NewHTTPAPI takes the server origin, e.g. "https://fuelq.example". A nil
// client gets a 10 second timeout.
func NewHTTPAPI(base string, client *http.Client, token func() string) *HTTPAPI {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &HTTPAPI{base: strings.TrimRight(base, "/"), client: client, token: token}
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := a.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 || env.Status == protocol.StatusError {
		e := &APIError{Status: resp.StatusCode}
		if env.Message != nil {
			e.Message = *env.Message
		}
		return e
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (a *HTTPAPI) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}
	return a.do(ctx, method, path, body, contentType, out)
}

func conversationPath(conv protocol.Conversation) (string, error) {
	switch {
	case conv.IsRoom():
		return fmt.Sprintf("/api/chat/rooms/%d", conv.RoomID), nil
	case conv.IsDirect():
		return fmt.Sprintf("/api/chat/direct/%d", conv.UserID), nil
	}
	return "", protocol.ErrInvalidConversation
}

func (a *HTTPAPI) Messages(ctx context.Context, conv protocol.Conversation, pageToken string, limit int) (protocol.MessagePage, error) {
	var page protocol.MessagePage
	path, err := conversationPath(conv)
	if err != nil {
		return page, err
	}
	q := url.Values{}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path += "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	err = a.doJSON(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (a *HTTPAPI) SendMessage(ctx context.Context, conv protocol.Conversation, text, clientID string) (protocol.Message, error) {
	var msg protocol.Message
	path, err := conversationPath(conv)
	if err != nil {
		return msg, err
	}
	err = a.doJSON(ctx, http.MethodPost, path+"/messages", protocol.SendMessageRequest{Text: text, ClientID: clientID}, &msg)
	return msg, err
}

func (a *HTTPAPI) MarkRead(ctx context.Context, conv protocol.Conversation) error {
	path, err := conversationPath(conv)
	if err != nil {
		return err
	}
	return a.doJSON(ctx, http.MethodPost, path+"/read", nil, nil)
}

func (a *HTTPAPI) Unread(ctx context.Context) (map[string]int, error) {
	var out map[string]int
	err := a.doJSON(ctx, http.MethodGet, "/api/chat/unread", nil, &out)
	return out, err
}

func (a *HTTPAPI) Rooms(ctx context.Context) ([]protocol.Room, error) {
	var rooms []protocol.Room
	err := a.doJSON(ctx, http.MethodGet, "/api/chat/rooms", nil, &rooms)
	return rooms, err
}

// CreateRoom validates the request locally before sending it.
func (a *HTTPAPI) CreateRoom(ctx context.Context, req protocol.CreateRoomRequest) (protocol.Room, error) {
	var room protocol.Room
	if err := protocol.Check(&req); err != nil {
		return room, err
	}
	err := a.doJSON(ctx, http.MethodPost, "/api/chat/rooms", req, &room)
	return room, err
}

func (a *HTTPAPI) JoinRoom(ctx context.Context, id uint) (protocol.Room, error) {
	var room protocol.Room
	err := a.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/chat/rooms/%d/join", id), nil, &room)
	return room, err
}

func (a *HTTPAPI) Like(ctx context.Context, messageID uint, like bool) (protocol.Likes, error) {
	var likes protocol.Likes
	method := http.MethodPost
	if !like {
		method = http.MethodDelete
	}
	err := a.doJSON(ctx, method, fmt.Sprintf("/api/chat/messages/%d/like", messageID), nil, &likes)
	return likes, err
}

func (a *HTTPAPI) RequestConnection(ctx context.Context, user uint) (protocol.ConnectionRequest, error) {
	var req protocol.ConnectionRequest
	err := a.doJSON(ctx, http.MethodPost, "/api/chat/request", protocol.ConnectRequest{UserID: user}, &req)
	return req, err
}

func (a *HTTPAPI) AcceptRequest(ctx context.Context, requestID uint) error {
	return a.doJSON(ctx, http.MethodPost, "/api/chat/accept-request", protocol.ResolveRequest{RequestID: requestID}, nil)
}

func (a *HTTPAPI) DeclineRequest(ctx context.Context, requestID uint) error {
	return a.doJSON(ctx, http.MethodPost, "/api/chat/decline-request", protocol.ResolveRequest{RequestID: requestID}, nil)
}

func multipartBody(field string, file Attachment, fields map[string]string) (*bytes.Buffer, string, error) {
	buf := new(bytes.Buffer)
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile(field, file.Name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// Upload posts a file as a message. Files above 10MB never leave the client.
func (a *HTTPAPI) Upload(ctx context.Context, conv protocol.Conversation, file Attachment, text, clientID string) (protocol.UploadResult, error) {
	var res protocol.UploadResult
	if len(file.Data) > protocol.MaxUploadBytes {
		return res, protocol.ErrFileTooLarge
	}
	if err := conv.Validate(); err != nil {
		return res, err
	}

	fields := map[string]string{"text": text, "clientId": clientID}
	if conv.IsRoom() {
		fields["roomId"] = strconv.FormatUint(uint64(conv.RoomID), 10)
	} else {
		fields["userId"] = strconv.FormatUint(uint64(conv.UserID), 10)
	}
	body, contentType, err := multipartBody("file", file, fields)
	if err != nil {
		return res, err
	}
	err = a.do(ctx, http.MethodPost, "/api/chat/upload", body, contentType, &res)
	return res, err
}

// UploadAvatar only sends images.
func (a *HTTPAPI) UploadAvatar(ctx context.Context, file Attachment) (protocol.User, error) {
	var user protocol.User
	if len(file.Data) > protocol.MaxUploadBytes {
		return user, protocol.ErrFileTooLarge
	}
	if !strings.HasPrefix(mimetype.Detect(file.Data).String(), "image/") {
		return user, protocol.ErrAvatarNotImage
	}
	body, contentType, err := multipartBody("avatar", file, nil)
	if err != nil {
		return user, err
	}
	err = a.do(ctx, http.MethodPost, "/api/user/avatar", body, contentType, &user)
	return user, err
}
