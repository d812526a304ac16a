package model

import "gorm.io/gorm"

// User struct
type User struct {
	gorm.Model
	Username    string `gorm:"uniqueIndex;not null" json:"username"`
	Email       string `gorm:"uniqueIndex;not null" json:"email"`
	Password    string `gorm:"not null" json:"-"`
	DisplayName string `json:"displayName"`
	AvatarID    *uint  `json:"avatarId"`
	Role        string `json:"role"`

	OtpEnabled bool   `gorm:"default:false;"`
	OtpSecret  string `json:"-"`
}

// Name is what other users see.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
