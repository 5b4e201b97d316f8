package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/models"
	"github.com/noah-isme/bandroom-chat/internal/repository"
)

const previewLength = 280

// LastMessageRecorder keeps a chat's last-message snapshot current.
type LastMessageRecorder interface {
	RecordLastMessage(ctx context.Context, chatID string, message models.Message) error
}

// CreateChatInput describes a new band chat.
type CreateChatInput struct {
	BandID       string
	Type         models.ChatType
	Name         string
	Participants []string
}

// ChatDirectory owns band chats and their membership rules.
type ChatDirectory interface {
	LastMessageRecorder
	Create(ctx context.Context, requesterID string, input CreateChatInput) (models.Chat, error)
	Get(ctx context.Context, chatID string) (models.Chat, error)
	ListForUser(ctx context.Context, userID string) ([]models.Chat, error)
	Delete(ctx context.Context, chatID, userID string) error
	UpdateAdmins(ctx context.Context, chatID, userID string, adminIDs []string) (models.Chat, error)
}

type chatDirectory struct {
	repo        repository.ChatRepository
	permissions *PermissionCache
	membership  GroupMembership
	users       UserDirectory
	roster      BandRoster
	locks       *keyedMutex
	logger      zerolog.Logger
	now         func() time.Time
}

// NewChatDirectory constructs the band chat directory. roster may be nil.
func NewChatDirectory(repo repository.ChatRepository, permissions *PermissionCache, membership GroupMembership, users UserDirectory, roster BandRoster, logger zerolog.Logger) ChatDirectory {
	return &chatDirectory{
		repo:        repo,
		permissions: permissions,
		membership:  membership,
		users:       users,
		roster:      roster,
		locks:       newKeyedMutex(),
		logger:      logger.With().Str("component", "chat_directory").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (d *chatDirectory) Create(ctx context.Context, requesterID string, input CreateChatInput) (models.Chat, error) {
	const op = "chat.create"

	if strings.TrimSpace(requesterID) == "" {
		return models.Chat{}, apperror.Validation(op, "requester is required")
	}
	if !input.Type.Valid() {
		return models.Chat{}, apperror.Validation(op, "unknown chat type")
	}

	participants := uniqueIDs(append([]string{requesterID}, input.Participants...))

	switch input.Type {
	case models.ChatTypeDirect:
		if len(participants) != 2 {
			return models.Chat{}, apperror.Validation(op, "direct chats need exactly two participants")
		}
	case models.ChatTypeGroup:
		if len(participants) < 2 {
			return models.Chat{}, apperror.Validation(op, "group chats need at least two participants")
		}
	case models.ChatTypeBandWide:
		if strings.TrimSpace(input.BandID) == "" {
			return models.Chat{}, apperror.Validation(op, "band-wide chats need a band")
		}
		allowed, err := d.membership.IsAdminOrManager(ctx, requesterID, input.BandID)
		if err != nil {
			return models.Chat{}, apperror.Transient(op, err)
		}
		if !allowed {
			return models.Chat{}, apperror.Authorization(op, "only band admins and managers can create band-wide chats")
		}
		roster, err := d.bandWideParticipants(ctx, requesterID, input)
		if err != nil {
			return models.Chat{}, err
		}
		participants = roster
	}

	chat := models.Chat{
		ID:           uuid.NewString(),
		BandID:       strings.TrimSpace(input.BandID),
		Type:         input.Type,
		Name:         strings.TrimSpace(input.Name),
		Participants: participants,
		CreatedBy:    requesterID,
	}
	if input.Type != models.ChatTypeDirect {
		chat.AdminIDs = []string{requesterID}
	}

	if err := d.repo.Create(ctx, &chat); err != nil {
		return models.Chat{}, apperror.FromStore(op, "chat", err)
	}

	d.logger.Info().Str("chat_id", chat.ID).Str("type", string(chat.Type)).Int("participants", len(chat.Participants)).Msg("chat created")
	return chat, nil
}

// bandWideParticipants keeps only non-fan members of the chat's band. Without
// explicit participants the whole roster is used. Deployments without a roster
// fall back to each user's resolved role.
func (d *chatDirectory) bandWideParticipants(ctx context.Context, requesterID string, input CreateChatInput) ([]string, error) {
	const op = "chat.create"

	if d.roster != nil {
		members, err := d.roster.Members(ctx, input.BandID)
		if err != nil {
			return nil, apperror.Transient(op, err)
		}
		candidates := members
		if len(input.Participants) > 0 {
			inBand := make(map[string]struct{}, len(members))
			for _, id := range members {
				inBand[id] = struct{}{}
			}
			candidates = candidates[:0:0]
			for _, id := range input.Participants {
				if _, ok := inBand[id]; ok {
					candidates = append(candidates, id)
				}
			}
		}
		return withRequester(requesterID, candidates), nil
	}

	candidates := make([]string, 0, len(input.Participants))
	for _, userID := range uniqueIDs(input.Participants) {
		if userID == requesterID {
			continue
		}
		profile, err := d.users.Resolve(ctx, userID)
		if err != nil {
			return nil, apperror.Transient(op, err)
		}
		if profile.Role != models.RoleFan {
			candidates = append(candidates, userID)
		}
	}
	return withRequester(requesterID, candidates), nil
}

func withRequester(requesterID string, ids []string) []string {
	participants := []string{requesterID}
	for _, id := range uniqueIDs(ids) {
		if id != requesterID {
			participants = append(participants, id)
		}
	}
	return participants
}

func (d *chatDirectory) Get(ctx context.Context, chatID string) (models.Chat, error) {
	chat, err := d.repo.Get(ctx, chatID)
	if err != nil {
		return models.Chat{}, apperror.FromStore("chat.get", "chat", err)
	}
	if chat.IsDeleted {
		return models.Chat{}, apperror.NotFound("chat.get", "chat not found")
	}
	return chat, nil
}

func (d *chatDirectory) ListForUser(ctx context.Context, userID string) ([]models.Chat, error) {
	chats, err := d.repo.ListForUser(ctx, userID)
	if err != nil {
		return nil, apperror.FromStore("chat.list", "chat", err)
	}
	return chats, nil
}

// Delete is idempotent for chats that are already deleted.
func (d *chatDirectory) Delete(ctx context.Context, chatID, userID string) error {
	const op = "chat.delete"

	unlock := d.locks.Lock(chatID)
	defer unlock()

	chat, err := d.repo.Get(ctx, chatID)
	if err != nil {
		return apperror.FromStore(op, "chat", err)
	}
	if chat.IsDeleted {
		return nil
	}

	allowed, err := d.permissions.CanUserDelete(ctx, chat, userID)
	if err != nil {
		return apperror.Transient(op, err)
	}
	if !allowed {
		return apperror.Authorization(op, "not allowed to delete this chat")
	}

	if err := d.repo.SoftDelete(ctx, chatID, d.now()); err != nil {
		return apperror.FromStore(op, "chat", err)
	}
	d.permissions.InvalidateChat(chatID)

	d.logger.Info().Str("chat_id", chatID).Str("user_id", userID).Msg("chat deleted")
	return nil
}

func (d *chatDirectory) UpdateAdmins(ctx context.Context, chatID, userID string, adminIDs []string) (models.Chat, error) {
	const op = "chat.update_admins"

	unlock := d.locks.Lock(chatID)
	defer unlock()

	chat, err := d.Get(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if chat.Type == models.ChatTypeDirect {
		return models.Chat{}, apperror.Validation(op, "direct chats have no admins")
	}
	if chat.CreatedBy != userID && !chat.IsAdmin(userID) {
		return models.Chat{}, apperror.Authorization(op, "only the creator or an admin can change admins")
	}

	admins := uniqueIDs(adminIDs)
	for _, adminID := range admins {
		if !chat.HasParticipant(adminID) {
			return models.Chat{}, apperror.Validation(op, "admins must be participants")
		}
	}

	if err := d.repo.UpdateAdmins(ctx, chatID, admins); err != nil {
		return models.Chat{}, apperror.FromStore(op, "chat", err)
	}
	d.permissions.InvalidateChat(chatID)

	chat.AdminIDs = admins
	return chat, nil
}

func (d *chatDirectory) RecordLastMessage(ctx context.Context, chatID string, message models.Message) error {
	if err := d.repo.UpdateLastMessage(ctx, chatID, previewOf(message)); err != nil {
		return apperror.FromStore("chat.record_last_message", "chat", err)
	}
	return nil
}

// CreateFanChatInput describes a new fan chat.
type CreateFanChatInput struct {
	BandID       string
	Type         models.FanChatType
	Name         string
	ModeratorIDs []string
}

// FanChatDirectory owns fan-community chats.
type FanChatDirectory interface {
	LastMessageRecorder
	Create(ctx context.Context, requesterID string, input CreateFanChatInput) (models.FanChat, error)
	Get(ctx context.Context, chatID string) (models.FanChat, error)
	ListForBand(ctx context.Context, bandID string) ([]models.FanChat, error)
	AcceptRules(ctx context.Context, chatID, userID string) (models.FanChat, error)
	SetActive(ctx context.Context, chatID, userID string, active bool) (models.FanChat, error)
	UpdateModerators(ctx context.Context, chatID, userID string, moderatorIDs []string) (models.FanChat, error)
	Delete(ctx context.Context, chatID, userID string) error
}

type fanChatDirectory struct {
	repo        repository.FanChatRepository
	permissions *PermissionCache
	membership  GroupMembership
	locks       *keyedMutex
	logger      zerolog.Logger
	now         func() time.Time
}

// NewFanChatDirectory constructs the fan chat directory.
func NewFanChatDirectory(repo repository.FanChatRepository, permissions *PermissionCache, membership GroupMembership, logger zerolog.Logger) FanChatDirectory {
	return &fanChatDirectory{
		repo:        repo,
		permissions: permissions,
		membership:  membership,
		locks:       newKeyedMutex(),
		logger:      logger.With().Str("component", "fan_chat_directory").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (d *fanChatDirectory) Create(ctx context.Context, requesterID string, input CreateFanChatInput) (models.FanChat, error) {
	const op = "fan_chat.create"

	if !input.Type.Valid() {
		return models.FanChat{}, apperror.Validation(op, "unknown fan chat type")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" || strings.TrimSpace(input.BandID) == "" {
		return models.FanChat{}, apperror.Validation(op, "band and name are required")
	}

	allowed, err := d.membership.IsAdminOrManager(ctx, requesterID, input.BandID)
	if err != nil {
		return models.FanChat{}, apperror.Transient(op, err)
	}
	if !allowed {
		return models.FanChat{}, apperror.Authorization(op, "only band admins and managers can create fan chats")
	}

	chat := models.FanChat{
		ID:                uuid.NewString(),
		BandID:            input.BandID,
		Type:              input.Type,
		Name:              name,
		CreatedBy:         requesterID,
		ModeratorIDs:      uniqueIDs(input.ModeratorIDs),
		IsActive:          true,
		ChatRulesAccepted: map[string]time.Time{},
	}
	if err := d.repo.Create(ctx, &chat); err != nil {
		return models.FanChat{}, apperror.FromStore(op, "fan chat", err)
	}

	d.logger.Info().Str("chat_id", chat.ID).Str("band_id", chat.BandID).Str("type", string(chat.Type)).Msg("fan chat created")
	return chat, nil
}

func (d *fanChatDirectory) Get(ctx context.Context, chatID string) (models.FanChat, error) {
	chat, err := d.repo.Get(ctx, chatID)
	if err != nil {
		return models.FanChat{}, apperror.FromStore("fan_chat.get", "fan chat", err)
	}
	if chat.IsDeleted {
		return models.FanChat{}, apperror.NotFound("fan_chat.get", "fan chat not found")
	}
	return chat, nil
}

func (d *fanChatDirectory) ListForBand(ctx context.Context, bandID string) ([]models.FanChat, error) {
	chats, err := d.repo.ListForBand(ctx, bandID)
	if err != nil {
		return nil, apperror.FromStore("fan_chat.list", "fan chat", err)
	}
	return chats, nil
}

// AcceptRules keeps the first acceptance time.
func (d *fanChatDirectory) AcceptRules(ctx context.Context, chatID, userID string) (models.FanChat, error) {
	unlock := d.locks.Lock(chatID)
	defer unlock()

	chat, err := d.Get(ctx, chatID)
	if err != nil {
		return models.FanChat{}, err
	}
	if chat.HasAcceptedRules(userID) {
		return chat, nil
	}
	if chat.ChatRulesAccepted == nil {
		chat.ChatRulesAccepted = map[string]time.Time{}
	}
	chat.ChatRulesAccepted[userID] = d.now()

	if err := d.repo.Save(ctx, &chat); err != nil {
		return models.FanChat{}, apperror.FromStore("fan_chat.accept_rules", "fan chat", err)
	}
	return chat, nil
}

func (d *fanChatDirectory) SetActive(ctx context.Context, chatID, userID string, active bool) (models.FanChat, error) {
	unlock := d.locks.Lock(chatID)
	defer unlock()

	chat, err := d.Get(ctx, chatID)
	if err != nil {
		return models.FanChat{}, err
	}
	if !d.permissions.CanUserModerate(chat, userID) {
		return models.FanChat{}, apperror.Authorization("fan_chat.set_active", "only moderators can open or close a fan chat")
	}
	if chat.IsActive == active {
		return chat, nil
	}

	chat.IsActive = active
	if err := d.repo.Save(ctx, &chat); err != nil {
		return models.FanChat{}, apperror.FromStore("fan_chat.set_active", "fan chat", err)
	}
	return chat, nil
}

func (d *fanChatDirectory) UpdateModerators(ctx context.Context, chatID, userID string, moderatorIDs []string) (models.FanChat, error) {
	const op = "fan_chat.update_moderators"

	unlock := d.locks.Lock(chatID)
	defer unlock()

	chat, err := d.Get(ctx, chatID)
	if err != nil {
		return models.FanChat{}, err
	}

	allowed := chat.CreatedBy == userID
	if !allowed {
		allowed, err = d.membership.IsAdminOrManager(ctx, userID, chat.BandID)
		if err != nil {
			return models.FanChat{}, apperror.Transient(op, err)
		}
	}
	if !allowed {
		return models.FanChat{}, apperror.Authorization(op, "only the creator or band staff can change moderators")
	}

	chat.ModeratorIDs = uniqueIDs(moderatorIDs)
	if err := d.repo.Save(ctx, &chat); err != nil {
		return models.FanChat{}, apperror.FromStore(op, "fan chat", err)
	}
	d.permissions.InvalidateChat(chatID)

	return chat, nil
}

func (d *fanChatDirectory) Delete(ctx context.Context, chatID, userID string) error {
	const op = "fan_chat.delete"

	unlock := d.locks.Lock(chatID)
	defer unlock()

	chat, err := d.repo.Get(ctx, chatID)
	if err != nil {
		return apperror.FromStore(op, "fan chat", err)
	}
	if chat.IsDeleted {
		return nil
	}
	if !d.permissions.CanUserDeleteFanChat(chat, userID) {
		return apperror.Authorization(op, "not allowed to delete this fan chat")
	}

	if err := d.repo.SoftDelete(ctx, chatID, d.now()); err != nil {
		return apperror.FromStore(op, "fan chat", err)
	}
	d.permissions.InvalidateChat(chatID)

	d.logger.Info().Str("chat_id", chatID).Str("user_id", userID).Msg("fan chat deleted")
	return nil
}

func (d *fanChatDirectory) RecordLastMessage(ctx context.Context, chatID string, message models.Message) error {
	if err := d.repo.UpdateLastMessage(ctx, chatID, previewOf(message)); err != nil {
		return apperror.FromStore("fan_chat.record_last_message", "fan chat", err)
	}
	return nil
}

func previewOf(message models.Message) models.MessagePreview {
	text := message.Content
	if message.Type == models.MessageTypeImage && text == "" {
		text = "[image]"
	}
	ts := message.Timestamp
	return models.MessagePreview{
		MessageID: message.ID,
		SenderID:  message.SenderID,
		Preview:   truncateRunes(text, previewLength),
		Type:      message.Type,
		Timestamp: &ts,
	}
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
