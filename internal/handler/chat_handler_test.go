package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/dto"
	"github.com/noah-isme/bandroom-chat/internal/handler"
	"github.com/noah-isme/bandroom-chat/internal/service"
)

// stubChatService answers the calls a test cares about; anything else panics
// through the nil embedded interface.
type stubChatService struct {
	service.ChatService

	page      []dto.MessageResponse
	older     []dto.MessageResponse
	beforeID  string
	sent      dto.SendMessageRequest
	image     *service.ImageUpload
	sendErr   error
	searchErr error
	userSeen  string
}

func (s *stubChatService) FetchLatest(ctx context.Context, chatID, userID string, limit int) ([]dto.MessageResponse, error) {
	s.userSeen = userID
	return s.page, nil
}

func (s *stubChatService) LoadOlder(ctx context.Context, chatID, userID, beforeID string, limit int) ([]dto.MessageResponse, error) {
	s.beforeID = beforeID
	return s.older, nil
}

func (s *stubChatService) SendMessage(ctx context.Context, chatID, userID string, req dto.SendMessageRequest, image *service.ImageUpload) (dto.MessageResponse, error) {
	s.sent = req
	s.image = image
	if s.sendErr != nil {
		return dto.MessageResponse{}, s.sendErr
	}
	return dto.MessageResponse{ID: "m-new", ChatID: chatID, SenderID: userID, Content: req.Content, Type: "text", Status: "sent"}, nil
}

func (s *stubChatService) Search(ctx context.Context, chatID, userID string, query dto.SearchQuery) ([]dto.MessageResponse, error) {
	return nil, s.searchErr
}

func newChatApp(t *testing.T, svc service.ChatService) *fiber.App {
	t.Helper()
	h := handler.NewChatHandler(svc, validator.New(), 1024, zerolog.Nop())

	app := fiber.New()
	group := app.Group("/api/v1/chats", func(c *fiber.Ctx) error {
		c.Locals("user_id", "alice")
		return c.Next()
	})
	h.Register(group)
	return app
}

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)

	schema, err := jsonschema.NewCompiler().Compile("file://" + path)
	require.NoError(t, err)
	return schema
}

func decodeBody(t *testing.T, resp *http.Response) interface{} {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var payload interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	return payload
}

func sampleMessages() []dto.MessageResponse {
	base := time.Date(2024, 5, 4, 18, 30, 0, 0, time.UTC)
	return []dto.MessageResponse{
		{
			ID:          "m1",
			ChatID:      "c1",
			SenderID:    "bob",
			Content:     "soundcheck at 6",
			Type:        "text",
			Timestamp:   base,
			Reactions:   map[string][]string{"🎸": {"alice"}},
			ReadBy:      map[string]time.Time{"alice": base.Add(time.Minute)},
			DeliveredTo: map[string]time.Time{"alice": base.Add(30 * time.Second)},
			Mentions:    []string{},
			Status:      "read",
		},
		{
			ID:          "m2",
			ChatID:      "c1",
			SenderID:    "alice",
			Content:     "",
			Type:        "image",
			Timestamp:   base.Add(2 * time.Minute),
			Image:       &dto.ImageResponse{URL: "https://cdn.test/setlist.png", MimeType: "image/png", SizeBytes: 2048},
			ReplyTo:     &dto.ReplyResponse{MessageID: "m1", Content: "soundcheck at 6", SenderName: "Bob"},
			Reactions:   map[string][]string{},
			ReadBy:      map[string]time.Time{},
			DeliveredTo: map[string]time.Time{},
			Mentions:    []string{"bob"},
			Status:      "sent",
		},
	}
}

func TestChatMessagesContract(t *testing.T) {
	schema := compileSchema(t, "message_page.schema.json")
	svc := &stubChatService{page: sampleMessages()}
	app := newChatApp(t, svc)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/chats/c1/messages", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload := decodeBody(t, resp)
	require.NoError(t, schema.Validate(payload))

	meta := payload.(map[string]interface{})["meta"].(map[string]interface{})
	require.Equal(t, "m1", meta["next_before_id"])
	require.Equal(t, "alice", svc.userSeen)
}

func TestChatMessagesPagesBackwardsWithCursor(t *testing.T) {
	schema := compileSchema(t, "message_page.schema.json")
	svc := &stubChatService{older: []dto.MessageResponse{}}
	app := newChatApp(t, svc)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/chats/c1/messages?before_id=m1&limit=10", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "m1", svc.beforeID)

	payload := decodeBody(t, resp)
	require.NoError(t, schema.Validate(payload))
	meta := payload.(map[string]interface{})["meta"].(map[string]interface{})
	require.NotContains(t, meta, "next_before_id")
}

func TestChatMessagesRejectsOversizedLimit(t *testing.T) {
	app := newChatApp(t, &stubChatService{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/chats/c1/messages?limit=500", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatErrorsMapToStatusAndCode(t *testing.T) {
	schema := compileSchema(t, "error.schema.json")

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperror.Validation("message.send", "message must have content or an image"), http.StatusBadRequest, "validation"},
		{"authorization", apperror.Authorization("message.send", "not a participant"), http.StatusForbidden, "authorization"},
		{"not found", apperror.NotFound("chat.get", "chat not found"), http.StatusNotFound, "not_found"},
		{"moderation", apperror.ModerationPolicy("message.send", "banned"), http.StatusConflict, "moderation_policy"},
		{"upload", &apperror.SendError{Reason: apperror.ReasonImageUploadFailed, Err: errors.New("cdn down")}, http.StatusBadGateway, "imageUploadFailed"},
		{"persist", &apperror.SendError{Reason: apperror.ReasonPersistFailed, Err: errors.New("db down")}, http.StatusServiceUnavailable, "persistFailed"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newChatApp(t, &stubChatService{sendErr: tc.err})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/c1/messages", strings.NewReader(`{"content":"hi"}`))
			req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			payload := decodeBody(t, resp)
			require.NoError(t, schema.Validate(payload))
			require.Equal(t, tc.code, payload.(map[string]interface{})["code"])
		})
	}
}

func TestChatUnknownErrorsDoNotLeakDetails(t *testing.T) {
	app := newChatApp(t, &stubChatService{sendErr: errors.New("pq: connection refused to 10.0.0.3")})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/c1/messages", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)

	payload := decodeBody(t, resp).(map[string]interface{})
	require.Equal(t, "internal server error", payload["message"])
}

func TestChatSendRejectsMalformedPayload(t *testing.T) {
	svc := &stubChatService{}
	app := newChatApp(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/c1/messages", strings.NewReader(`{"content":`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, svc.sent.Content)

	long := strings.Repeat("a", 4001)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/chats/c1/messages", strings.NewReader(`{"content":"`+long+`"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, decodeBody(t, resp).(map[string]interface{})["message"], "Content (max)")
}

func multipartImage(t *testing.T, content string, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("content", content))
	part, err := writer.CreateFormFile("image", "setlist.png")
	require.NoError(t, err)
	_, err = part.Write(image)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestChatSendAcceptsMultipartImage(t *testing.T) {
	svc := &stubChatService{}
	app := newChatApp(t, svc)

	image := []byte("\x89PNG\r\n\x1a\n0000")
	body, contentType := multipartImage(t, "tonight", image)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/c1/messages", body)
	req.Header.Set(fiber.HeaderContentType, contentType)

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "tonight", svc.sent.Content)
	require.NotNil(t, svc.image)
	require.Equal(t, "setlist.png", svc.image.Filename)
	require.Equal(t, image, svc.image.Data)
}

func TestChatSendRejectsOversizedImage(t *testing.T) {
	svc := &stubChatService{}
	app := newChatApp(t, svc)

	body, contentType := multipartImage(t, "", bytes.Repeat([]byte{1}, 2048))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/c1/messages", body)
	req.Header.Set(fiber.HeaderContentType, contentType)

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Nil(t, svc.image)
}

func TestChatSearchRequiresQuery(t *testing.T) {
	app := newChatApp(t, &stubChatService{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/chats/c1/messages/search", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
