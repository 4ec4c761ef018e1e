package groups

import "time"

// Group is a named set of users who split expenses and chat together.
type Group struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"column:name;size:190;not null" json:"name"`
	CreatedBy uint      `gorm:"column:created_by;not null;index" json:"created_by"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Group) TableName() string {
	return "expense_groups"
}

// Member links a user to a group. The composite key rejects duplicate membership.
type Member struct {
	GroupID   uint      `gorm:"column:group_id;primaryKey"`
	UserID    uint      `gorm:"column:user_id;primaryKey;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "group_members"
}

// MemberProfile is the public view of a group member.
type MemberProfile struct {
	UserID   uint   `gorm:"column:id" json:"id"`
	Username string `gorm:"column:username" json:"username"`
}
