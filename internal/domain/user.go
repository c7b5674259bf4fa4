package domain

import (
	"strings"
	"time"
)

// User 表示可登录聊天室的账户
type User struct {
	ID           string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email        string     `json:"email" gorm:"uniqueIndex;type:varchar(255);not null"`
	PasswordHash string     `json:"-" gorm:"type:varchar(255)"` // 不返回给前端
	IsActive     bool       `json:"isActive" gorm:"default:true"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

// Identity 是一次已认证请求携带的身份
type Identity struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// Username 取邮箱 @ 之前的部分作为显示名，取不到时返回 "user"
func (i *Identity) Username() string {
	if i == nil {
		return "user"
	}
	return UsernameFromEmail(i.Email)
}

// UsernameFromEmail 取邮箱第一个 @ 之前的部分，结果为空时返回 "user"
func UsernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return "user"
	}
	return local
}

// LoginRequest 登录请求
type LoginRequest struct {
	Email    string `json:"email" form:"email" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}
