package dto

import (
	"time"

	"github.com/noah-isme/bandroom-chat/internal/models"
)

// CreateChatRequest is the payload for creating a band chat.
type CreateChatRequest struct {
	BandID       string   `json:"band_id" validate:"omitempty,max=64"`
	Type         string   `json:"type" validate:"required,oneof=direct group bandWide"`
	Name         string   `json:"name" validate:"omitempty,max=128"`
	Participants []string `json:"participants" validate:"omitempty,max=500,dive,required,max=64"`
}

// UpdateAdminsRequest replaces a chat's admin list.
type UpdateAdminsRequest struct {
	AdminIDs []string `json:"admin_ids" validate:"max=100,dive,required,max=64"`
}

// SendMessageRequest is a text message, optionally replying to another one.
// Image messages arrive as multipart uploads and are not validated here.
type SendMessageRequest struct {
	ClientID  string `json:"client_id" form:"client_id" validate:"omitempty,max=64"`
	Content   string `json:"content" form:"content" validate:"omitempty,max=4000"`
	ReplyToID string `json:"reply_to_id" form:"reply_to_id" validate:"omitempty,max=64"`
}

// EditMessageRequest replaces a message body.
type EditMessageRequest struct {
	Content string `json:"content" validate:"required,min=1,max=4000"`
}

// ReactRequest toggles an emoji reaction.
type ReactRequest struct {
	Emoji string `json:"emoji" validate:"required,max=64"`
}

// MessagePageQuery selects a page of a timeline. BeforeID pages backwards.
type MessagePageQuery struct {
	BeforeID string `query:"before_id" validate:"omitempty,max=64"`
	Limit    int    `query:"limit" validate:"omitempty,min=1,max=100"`
}

// SearchQuery filters a timeline by content.
type SearchQuery struct {
	Query string `query:"q" validate:"required,min=1,max=200"`
}

// CreateFanChatRequest is the payload for creating a fan chat.
type CreateFanChatRequest struct {
	BandID       string   `json:"band_id" validate:"required,max=64"`
	Type         string   `json:"type" validate:"required,oneof=general private themed announcement mixed"`
	Name         string   `json:"name" validate:"required,min=1,max=128"`
	ModeratorIDs []string `json:"moderator_ids" validate:"omitempty,max=100,dive,required,max=64"`
}

// UpdateModeratorsRequest replaces a fan chat's moderator list.
type UpdateModeratorsRequest struct {
	ModeratorIDs []string `json:"moderator_ids" validate:"max=100,dive,required,max=64"`
}

// SetActiveRequest opens or closes a fan chat.
type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// ReportMessageRequest files a report against a fan message.
type ReportMessageRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=1000"`
}

// ModerateMessageRequest applies a moderation action.
type ModerateMessageRequest struct {
	Action string `json:"action" validate:"required,oneof=warning messageHidden temporaryBan permanentBan noAction"`
	Reason string `json:"reason" validate:"omitempty,max=1000"`
}

// ReviewReportRequest moves a report through its workflow.
type ReviewReportRequest struct {
	Status string `json:"status" validate:"required,oneof=reviewed resolved dismissed"`
}

// MessagePreviewResponse is the last-message snapshot of a chat.
type MessagePreviewResponse struct {
	MessageID string     `json:"message_id"`
	SenderID  string     `json:"sender_id"`
	Preview   string     `json:"preview"`
	Type      string     `json:"type"`
	Timestamp *time.Time `json:"timestamp"`
}

// ChatResponse is a band chat as seen by one of its participants.
type ChatResponse struct {
	ID           string                  `json:"id"`
	BandID       string                  `json:"band_id,omitempty"`
	Type         string                  `json:"type"`
	Name         string                  `json:"name,omitempty"`
	Participants []string                `json:"participants"`
	AdminIDs     []string                `json:"admin_ids"`
	CreatedBy    string                  `json:"created_by"`
	LastMessage  *MessagePreviewResponse `json:"last_message"`
	Unread       int64                   `json:"unread"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// FanChatResponse is a fan chat as seen by a fan or moderator.
type FanChatResponse struct {
	ID            string                  `json:"id"`
	BandID        string                  `json:"band_id"`
	Type          string                  `json:"type"`
	Name          string                  `json:"name"`
	CreatedBy     string                  `json:"created_by"`
	ModeratorIDs  []string                `json:"moderator_ids"`
	IsActive      bool                    `json:"is_active"`
	RulesAccepted bool                    `json:"rules_accepted"`
	LastMessage   *MessagePreviewResponse `json:"last_message"`
	CreatedAt     time.Time               `json:"created_at"`
}

// ReplyResponse is the quoted message of a reply.
type ReplyResponse struct {
	MessageID  string `json:"message_id"`
	Content    string `json:"content"`
	SenderName string `json:"sender_name"`
}

// ImageResponse describes an image attachment.
type ImageResponse struct {
	URL       string `json:"url"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// MessageResponse is a timeline entry. Status is relative to the viewer.
type MessageResponse struct {
	ID          string               `json:"id"`
	ChatID      string               `json:"chat_id"`
	SenderID    string               `json:"sender_id"`
	Content     string               `json:"content"`
	Type        string               `json:"type"`
	Timestamp   time.Time            `json:"timestamp"`
	IsEdited    bool                 `json:"is_edited"`
	EditedAt    *time.Time           `json:"edited_at,omitempty"`
	IsDeleted   bool                 `json:"is_deleted"`
	ReplyTo     *ReplyResponse       `json:"reply_to,omitempty"`
	Image       *ImageResponse       `json:"image,omitempty"`
	Reactions   map[string][]string  `json:"reactions"`
	ReadBy      map[string]time.Time `json:"read_by"`
	DeliveredTo map[string]time.Time `json:"delivered_to"`
	Mentions    []string             `json:"mentions"`
	Status      string               `json:"status"`
	IsModerated bool                 `json:"is_moderated,omitempty"`
}

// ReceiptResponse reports a receipt change on a message.
type ReceiptResponse struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// TypingResponse lists users currently typing in a chat.
type TypingResponse struct {
	ChatID string                `json:"chat_id"`
	Users  []models.TypingStatus `json:"users"`
}

// UnreadResponse is the unread count of one chat plus the global badge.
type UnreadResponse struct {
	ChatID string `json:"chat_id"`
	Unread int64  `json:"unread"`
	Badge  int64  `json:"badge"`
}

// BadgeResponse is the global unread badge.
type BadgeResponse struct {
	Badge int64 `json:"badge"`
}

// ReportResponse is a fan message report.
type ReportResponse struct {
	ID         string     `json:"id"`
	ChatID     string     `json:"chat_id"`
	MessageID  string     `json:"message_id"`
	ReporterID string     `json:"reporter_id"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`
	ReviewedBy string     `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ModerationLogResponse is one audit trail entry.
type ModerationLogResponse struct {
	ID           string                 `json:"id"`
	ChatID       string                 `json:"chat_id"`
	MessageID    string                 `json:"message_id"`
	TargetUserID string                 `json:"target_user_id"`
	ModeratorID  string                 `json:"moderator_id"`
	Action       string                 `json:"action"`
	Reason       string                 `json:"reason"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ModerationResponse summarises a moderation call.
type ModerationResponse struct {
	Log             ModerationLogResponse `json:"log"`
	MessageHidden   bool                  `json:"message_hidden"`
	BanUntil        *time.Time            `json:"ban_until,omitempty"`
	Banned          bool                  `json:"banned"`
	ResolvedReports int                   `json:"resolved_reports"`
}

// NewChatResponse converts a chat model into a DTO.
func NewChatResponse(chat models.Chat, unread int64) ChatResponse {
	return ChatResponse{
		ID:           chat.ID,
		BandID:       chat.BandID,
		Type:         string(chat.Type),
		Name:         chat.Name,
		Participants: nonNilStrings(chat.Participants),
		AdminIDs:     nonNilStrings(chat.AdminIDs),
		CreatedBy:    chat.CreatedBy,
		LastMessage:  newPreviewResponse(chat.LastMessage),
		Unread:       unread,
		CreatedAt:    chat.CreatedAt,
		UpdatedAt:    chat.UpdatedAt,
	}
}

// NewFanChatResponse converts a fan chat model into a DTO for viewerID.
func NewFanChatResponse(chat models.FanChat, viewerID string) FanChatResponse {
	return FanChatResponse{
		ID:            chat.ID,
		BandID:        chat.BandID,
		Type:          string(chat.Type),
		Name:          chat.Name,
		CreatedBy:     chat.CreatedBy,
		ModeratorIDs:  nonNilStrings(chat.ModeratorIDs),
		IsActive:      chat.IsActive,
		RulesAccepted: chat.HasAcceptedRules(viewerID),
		LastMessage:   newPreviewResponse(chat.LastMessage),
		CreatedAt:     chat.CreatedAt,
	}
}

func newPreviewResponse(preview models.MessagePreview) *MessagePreviewResponse {
	if preview.MessageID == "" {
		return nil
	}
	return &MessagePreviewResponse{
		MessageID: preview.MessageID,
		SenderID:  preview.SenderID,
		Preview:   preview.Preview,
		Type:      string(preview.Type),
		Timestamp: preview.Timestamp,
	}
}

// NewMessageResponse converts a message into a DTO carrying the given status.
func NewMessageResponse(message models.Message, status models.DeliveryStatus) MessageResponse {
	response := MessageResponse{
		ID:          message.ID,
		ChatID:      message.ChatID,
		SenderID:    message.SenderID,
		Content:     message.Content,
		Type:        string(message.Type),
		Timestamp:   message.Timestamp,
		IsEdited:    message.IsEdited,
		EditedAt:    message.EditedAt,
		IsDeleted:   message.IsDeleted,
		Reactions:   message.Reactions,
		ReadBy:      message.ReadBy,
		DeliveredTo: message.DeliveredTo,
		Mentions:    nonNilStrings(message.Mentions),
		Status:      string(status),
		IsModerated: message.Moderation.IsModerated,
	}
	if response.Reactions == nil {
		response.Reactions = map[string][]string{}
	}
	if response.ReadBy == nil {
		response.ReadBy = map[string]time.Time{}
	}
	if response.DeliveredTo == nil {
		response.DeliveredTo = map[string]time.Time{}
	}
	if message.HasReply() {
		response.ReplyTo = &ReplyResponse{
			MessageID:  message.ReplyTo.MessageID,
			Content:    message.ReplyTo.Content,
			SenderName: message.ReplyTo.SenderName,
		}
	}
	if message.Image.URL != "" {
		response.Image = &ImageResponse{
			URL:       message.Image.URL,
			MimeType:  message.Image.MimeType,
			SizeBytes: message.Image.SizeBytes,
		}
	}
	return response
}

// NewReportResponse converts a report model into a DTO.
func NewReportResponse(report models.MessageReport) ReportResponse {
	return ReportResponse{
		ID:         report.ID,
		ChatID:     report.ChatID,
		MessageID:  report.MessageID,
		ReporterID: report.ReporterID,
		Reason:     report.Reason,
		Status:     string(report.Status),
		ReviewedBy: report.ReviewedBy,
		ReviewedAt: report.ReviewedAt,
		CreatedAt:  report.CreatedAt,
	}
}

// NewReportResponseSlice converts reports into DTOs.
func NewReportResponseSlice(reports []models.MessageReport) []ReportResponse {
	out := make([]ReportResponse, 0, len(reports))
	for _, report := range reports {
		out = append(out, NewReportResponse(report))
	}
	return out
}

// NewModerationLogResponse converts a log entry into a DTO.
func NewModerationLogResponse(entry models.ModerationLog) ModerationLogResponse {
	metadata := map[string]interface{}(entry.Metadata)
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return ModerationLogResponse{
		ID:           entry.ID,
		ChatID:       entry.ChatID,
		MessageID:    entry.MessageID,
		TargetUserID: entry.TargetUserID,
		ModeratorID:  entry.ModeratorID,
		Action:       string(entry.Action),
		Reason:       entry.Reason,
		Metadata:     metadata,
		CreatedAt:    entry.CreatedAt,
	}
}

// NewModerationLogResponseSlice converts log entries into DTOs.
func NewModerationLogResponseSlice(entries []models.ModerationLog) []ModerationLogResponse {
	out := make([]ModerationLogResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, NewModerationLogResponse(entry))
	}
	return out
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// StreamFrame is a client frame received over the chat websocket.
type StreamFrame struct {
	Type      string `json:"type" validate:"required,oneof=send typing typing.stop read read.chat"`
	ClientID  string `json:"client_id" validate:"omitempty,max=64"`
	Content   string `json:"content" validate:"omitempty,max=4000"`
	ReplyToID string `json:"reply_to_id" validate:"omitempty,max=64"`
	MessageID string `json:"message_id" validate:"omitempty,max=64"`
}

// StreamReply answers a StreamFrame on the sender's connection only.
type StreamReply struct {
	Type     string           `json:"type"`
	ClientID string           `json:"client_id,omitempty"`
	Message  *MessageResponse `json:"message,omitempty"`
	Unread   *UnreadResponse  `json:"unread,omitempty"`
	Error    string           `json:"error,omitempty"`
	Code     int              `json:"code,omitempty"`
}

// ForViewer rewrites Status from the receipt maps for a viewer who is not the sender.
func (m MessageResponse) ForViewer(viewerID string) MessageResponse {
	if viewerID == "" || viewerID == m.SenderID {
		return m
	}
	switch {
	case hasStamp(m.ReadBy, viewerID):
		m.Status = string(models.StatusRead)
	case hasStamp(m.DeliveredTo, viewerID):
		m.Status = string(models.StatusDelivered)
	default:
		m.Status = string(models.StatusSent)
	}
	return m
}

func hasStamp(stamps map[string]time.Time, userID string) bool {
	_, ok := stamps[userID]
	return ok
}
