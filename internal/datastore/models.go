package datastore

import "time"

// UserRow is a chat/editor identity. Usernames are indexed but not unique.
type UserRow struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Username  string    `gorm:"column:username;not null" json:"username"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (UserRow) TableName() string {
	return "users"
}

// MessageRow is a chat message.
type MessageRow struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Content   string    `gorm:"column:content;type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_messages_created_at;autoCreateTime:false" json:"created_at"`
	UserID    string    `gorm:"column:user_id;size:190;not null" json:"user_id"`
	User      *UserRow  `gorm:"foreignKey:UserID;references:ID" json:"users,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (MessageRow) TableName() string {
	return "messages"
}

// NoteRow is a shared note. Content is unbounded.
type NoteRow struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Title     string    `gorm:"column:title;not null;default:''" json:"title"`
	Content   string    `gorm:"column:content;type:text;not null;default:''" json:"content"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index:idx_notes_updated_at;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRow) TableName() string {
	return "notes"
}

// NoteEditorRow records that a user currently has a note open.
type NoteEditorRow struct {
	NoteID    string    `gorm:"column:note_id;primaryKey;size:190;not null" json:"note_id"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	User      *UserRow  `gorm:"foreignKey:UserID;references:ID" json:"users,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (NoteEditorRow) TableName() string {
	return "note_editors"
}

// Models lists the GORM models backing the row tables, for migration.
func Models() []any {
	return []any{&UserRow{}, &MessageRow{}, &NoteRow{}, &NoteEditorRow{}}
}
