package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/bandroom-chat/internal/database"
	"github.com/noah-isme/bandroom-chat/internal/models"
	"github.com/noah-isme/bandroom-chat/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return db
}

type membershipStub struct {
	mu     sync.Mutex
	staff  map[string]bool
	calls  int
	failed error
}

func newMembershipStub() *membershipStub {
	return &membershipStub{staff: make(map[string]bool)}
}

func (m *membershipStub) grant(userID, groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staff[userID+"@"+groupID] = true
}

func (m *membershipStub) revoke(userID, groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.staff, userID+"@"+groupID)
}

func (m *membershipStub) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *membershipStub) IsAdminOrManager(ctx context.Context, userID, groupID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failed != nil {
		return false, m.failed
	}
	return m.staff[userID+"@"+groupID], nil
}

type userStub struct {
	roles map[string]string
}

func (u *userStub) Resolve(ctx context.Context, userID string) (UserProfile, error) {
	role, ok := u.roles[userID]
	if !ok {
		role = models.RoleMember
	}
	return UserProfile{DisplayName: "User " + userID, Role: role}, nil
}

type pushRecord struct {
	userID  string
	payload PushPayload
}

type pushRecorder struct {
	mu      sync.Mutex
	records []pushRecord
	err     error
}

func (p *pushRecorder) Notify(ctx context.Context, userID string, payload PushPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, pushRecord{userID: userID, payload: payload})
	return p.err
}

func (p *pushRecorder) recipients() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.records))
	for _, record := range p.records {
		ids = append(ids, record.userID)
	}
	return ids
}

type blobStub struct {
	url  string
	err  error
	seen []string
}

func (b *blobStub) Upload(ctx context.Context, name string, data io.Reader) (string, error) {
	b.seen = append(b.seen, name)
	if b.err != nil {
		return "", b.err
	}
	if _, err := io.ReadAll(data); err != nil {
		return "", err
	}
	return b.url + "/" + name, nil
}

var errUploadDown = errors.New("blob storage unavailable")

// chatFixture wires every component the way cmd/api does, over sqlite and miniredis.
type chatFixture struct {
	db          *gorm.DB
	redis       *miniredis.Miniredis
	membership  *membershipStub
	users       *userStub
	push        *pushRecorder
	blobs       *blobStub
	permissions *PermissionCache
	chats       ChatDirectory
	fanChats    FanChatDirectory
	messages    MessageStore
	fanMessages MessageStore
	messageRepo repository.MessageRepository
	unread      UnreadTracker
	presence    PresenceTracker
	moderation  ModerationEngine
	bus         EventBus
	service     ChatService
	fanService  FanChatService
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	db := setupServiceDB(t)

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	logger := testLogger()
	membership := newMembershipStub()
	users := &userStub{roles: map[string]string{}}
	push := &pushRecorder{}
	blobs := &blobStub{url: "https://cdn.test"}

	permissions := NewPermissionCache(membership, DefaultPermissionTTL, logger)
	chats := NewChatDirectory(repository.NewChatRepository(db), permissions, membership, users, nil, logger)
	fanChats := NewFanChatDirectory(repository.NewFanChatRepository(db), permissions, membership, logger)

	messageRepo := repository.NewMessageRepository(db, models.NamespaceBand)
	fanMessageRepo := repository.NewMessageRepository(db, models.NamespaceFan)
	messages := NewMessageStore(messageRepo, chats, users, blobs, MessageStoreOptions{}, logger)
	fanMessages := NewMessageStore(fanMessageRepo, fanChats, users, blobs, MessageStoreOptions{}, logger)

	unread := NewUnreadTracker(repository.NewWatermarkRepository(db), messageRepo, UnreadOptions{}, logger)
	presence := NewPresenceTracker(redisClient, "test", users, DefaultTypingTTL, logger)
	moderation := NewModerationEngine(fanMessages, fanChats, permissions,
		repository.NewReportRepository(db), repository.NewModerationLogRepository(db), repository.NewBanRepository(db), repository.NewTransactor(db),
		DefaultTemporaryBan, logger)

	bus := NewEventBus(nil, nil, EventBusOptions{}, logger)
	t.Cleanup(func() { _ = bus.Close() })

	deps := ChatDependencies{
		Chats:       chats,
		FanChats:    fanChats,
		Messages:    messages,
		FanMessages: fanMessages,
		Unread:      unread,
		Presence:    presence,
		Moderation:  moderation,
		Permissions: permissions,
		Bus:         bus,
		Push:        push,
		Users:       users,
		Validator:   validator.New(),
		TypingIdle:  DefaultTypingIdle,
		TypingTTL:   DefaultTypingTTL,
		Logger:      logger,
	}

	return &chatFixture{
		db:          db,
		redis:       server,
		membership:  membership,
		users:       users,
		push:        push,
		blobs:       blobs,
		permissions: permissions,
		chats:       chats,
		fanChats:    fanChats,
		messages:    messages,
		fanMessages: fanMessages,
		messageRepo: messageRepo,
		unread:      unread,
		presence:    presence,
		moderation:  moderation,
		bus:         bus,
		service:     NewChatService(deps),
		fanService:  NewFanChatService(deps),
	}
}

func (f *chatFixture) directChat(t *testing.T, a, b string) models.Chat {
	t.Helper()
	chat, err := f.chats.Create(context.Background(), a, CreateChatInput{Type: models.ChatTypeDirect, Participants: []string{b}})
	require.NoError(t, err)
	return chat
}

func (f *chatFixture) fanChat(t *testing.T, bandID, owner string, chatType models.FanChatType, moderators ...string) models.FanChat {
	t.Helper()
	f.membership.grant(owner, bandID)
	chat, err := f.fanChats.Create(context.Background(), owner, CreateFanChatInput{
		BandID:       bandID,
		Type:         chatType,
		Name:         "Fans of " + bandID,
		ModeratorIDs: moderators,
	})
	require.NoError(t, err)
	return chat
}

// seedAt writes a message straight through the repository with a fixed timestamp.
func (f *chatFixture) seedAt(t *testing.T, chatID, senderID, content string, at time.Time) models.Message {
	t.Helper()
	message := models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Type:      models.MessageTypeText,
		Timestamp: at.UTC(),
	}
	require.NoError(t, f.messageRepo.Create(context.Background(), &message))
	return message
}

func receiveEvent(t *testing.T, events <-chan ChatEvent, want EventType) ChatEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-events:
			require.True(t, ok, "event stream closed while waiting for %s", want)
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
			return ChatEvent{}
		}
	}
}

func requireNoEvent(t *testing.T, events <-chan ChatEvent, within time.Duration) {
	t.Helper()
	select {
	case event, ok := <-events:
		if ok {
			t.Fatalf("unexpected event %s", event.Type)
		}
	case <-time.After(within):
	}
}
