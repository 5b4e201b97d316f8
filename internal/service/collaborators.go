package service

import (
	"context"
	"errors"
	"io"

	"gorm.io/gorm"

	"github.com/noah-isme/bandroom-chat/internal/models"
	"github.com/noah-isme/bandroom-chat/internal/repository"
)

// UserProfile is the display data resolved for a user id.
type UserProfile struct {
	DisplayName string
	AvatarURL   string
	Role        string
}

// UserDirectory resolves display data and roles for users.
type UserDirectory interface {
	Resolve(ctx context.Context, userID string) (UserProfile, error)
}

// GroupMembership answers band-level role questions.
type GroupMembership interface {
	IsAdminOrManager(ctx context.Context, userID, groupID string) (bool, error)
}

// BandRoster lists the members of a band. Optional: band-wide chats created
// without explicit participants need it.
type BandRoster interface {
	Members(ctx context.Context, bandID string) ([]string, error)
}

// PushPayload is the body of an out-of-band notification.
type PushPayload struct {
	ChatID    string           `json:"chat_id"`
	MessageID string           `json:"message_id"`
	SenderID  string           `json:"sender_id"`
	Namespace models.Namespace `json:"namespace"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Mentioned bool             `json:"mentioned,omitempty"`
}

// PushNotifier delivers fire-and-forget notifications; callers log failures and move on.
type PushNotifier interface {
	Notify(ctx context.Context, userID string, payload PushPayload) error
}

// BlobStorage stores image attachments and returns their public URL.
type BlobStorage interface {
	Upload(ctx context.Context, name string, data io.Reader) (string, error)
}

// RosterDirectory adapts the band_members table to the user and membership collaborators.
type RosterDirectory struct {
	repo repository.RosterRepository
}

// NewRosterDirectory constructs the roster-backed directory.
func NewRosterDirectory(repo repository.RosterRepository) *RosterDirectory {
	return &RosterDirectory{repo: repo}
}

// Resolve treats users missing from every roster as fans.
func (d *RosterDirectory) Resolve(ctx context.Context, userID string) (UserProfile, error) {
	member, err := d.repo.Find(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserProfile{DisplayName: userID, Role: models.RoleFan}, nil
	}
	if err != nil {
		return UserProfile{}, err
	}

	name := member.DisplayName
	if name == "" {
		name = member.UserID
	}
	return UserProfile{DisplayName: name, AvatarURL: member.AvatarURL, Role: member.Role}, nil
}

func (d *RosterDirectory) IsAdminOrManager(ctx context.Context, userID, groupID string) (bool, error) {
	member, err := d.repo.FindInBand(ctx, groupID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return member.Role == models.RoleAdmin || member.Role == models.RoleManager, nil
}

func (d *RosterDirectory) Members(ctx context.Context, bandID string) ([]string, error) {
	members, err := d.repo.ListBand(ctx, bandID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, member := range members {
		if member.Role == models.RoleFan {
			continue
		}
		ids = append(ids, member.UserID)
	}
	return ids, nil
}
