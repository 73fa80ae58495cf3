package datastore

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type columnKind int

const (
	kindText columnKind = iota
	kindTime
)

type embedSchema struct {
	association string
	table       string
}

type schema struct {
	name       string
	columns    map[string]columnKind
	primaryKey []string
	required   []string
	// generatedID names the column that receives a fresh identifier when absent.
	generatedID string
	// timestamps default to the commit clock when absent.
	timestamps []string
	embeds     map[string]embedSchema
	// references maps a column to the table whose id it must name.
	references map[string]string
}

func (s *schema) isPrimaryKey(column string) bool {
	for _, key := range s.primaryKey {
		if key == column {
			return true
		}
	}
	return false
}

// table binds a schema to its GORM model.
type table interface {
	schema() *schema
	model() any
	find(tx *gorm.DB, preloads []string) ([]json.RawMessage, error)
	create(tx *gorm.DB, payload []byte, conflict *clause.OnConflict) error
}

type gormTable[T any] struct {
	definition schema
}

func (t *gormTable[T]) schema() *schema {
	return &t.definition
}

func (t *gormTable[T]) model() any {
	return new(T)
}

func (t *gormTable[T]) find(tx *gorm.DB, preloads []string) ([]json.RawMessage, error) {
	for _, association := range preloads {
		tx = tx.Preload(association)
	}
	var records []T
	if err := tx.Find(&records).Error; err != nil {
		return nil, err
	}
	encoded := make([]json.RawMessage, 0, len(records))
	for index := range records {
		payload, err := json.Marshal(&records[index])
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, payload)
	}
	return encoded, nil
}

func (t *gormTable[T]) create(tx *gorm.DB, payload []byte, conflict *clause.OnConflict) error {
	var record T
	if err := json.Unmarshal(payload, &record); err != nil {
		return rows.NewError(rows.CodeInvalidBody, "invalid %s record: %v", t.definition.name, err)
	}
	if conflict != nil {
		tx = tx.Clauses(*conflict)
	}
	return tx.Omit(clause.Associations).Create(&record).Error
}

var usersEmbed = map[string]embedSchema{rows.TableUsers: {association: "User", table: rows.TableUsers}}

func newTables() map[string]table {
	return map[string]table{
		rows.TableUsers: &gormTable[UserRow]{definition: schema{
			name:        rows.TableUsers,
			columns:     map[string]columnKind{"id": kindText, "username": kindText, "created_at": kindTime},
			primaryKey:  []string{"id"},
			required:    []string{"username"},
			generatedID: "id",
			timestamps:  []string{"created_at"},
		}},
		rows.TableMessages: &gormTable[MessageRow]{definition: schema{
			name:        rows.TableMessages,
			columns:     map[string]columnKind{"id": kindText, "content": kindText, "created_at": kindTime, "user_id": kindText},
			primaryKey:  []string{"id"},
			required:    []string{"content", "user_id"},
			generatedID: "id",
			timestamps:  []string{"created_at"},
			embeds:      usersEmbed,
			references:  map[string]string{"user_id": rows.TableUsers},
		}},
		rows.TableNotes: &gormTable[NoteRow]{definition: schema{
			name:        rows.TableNotes,
			columns:     map[string]columnKind{"id": kindText, "title": kindText, "content": kindText, "created_at": kindTime, "updated_at": kindTime},
			primaryKey:  []string{"id"},
			generatedID: "id",
			timestamps:  []string{"created_at", "updated_at"},
		}},
		rows.TableNoteEditors: &gormTable[NoteEditorRow]{definition: schema{
			name:       rows.TableNoteEditors,
			columns:    map[string]columnKind{"note_id": kindText, "user_id": kindText, "created_at": kindTime},
			primaryKey: []string{"note_id", "user_id"},
			required:   []string{"note_id", "user_id"},
			timestamps: []string{"created_at"},
			embeds:     usersEmbed,
			references: map[string]string{"note_id": rows.TableNotes, "user_id": rows.TableUsers},
		}},
	}
}
