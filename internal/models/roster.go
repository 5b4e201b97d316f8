package models

// Roster roles as resolved by the band directory.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleMember  = "member"
	RoleFan     = "fan"
)

// BandMember is a read-only roster row owned by the group/profile service.
type BandMember struct {
	UserID      string `gorm:"primaryKey;size:64" json:"user_id"`
	BandID      string `gorm:"primaryKey;size:64" json:"band_id"`
	DisplayName string `gorm:"size:128" json:"display_name"`
	AvatarURL   string `gorm:"size:512" json:"avatar_url"`
	Role        string `gorm:"size:32;not null" json:"role"`
}
