package roomlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ministudio/internal/database"
	"github.com/MarcoPoloResearchLab/ministudio/internal/swarm"
)

const identitySlotLocal = "local"

// Entry stores one append-only log record. Writer and Seq identify it across
// replicas; Position is the local delivery order.
type Entry struct {
	Position         int64  `gorm:"column:position;primaryKey;autoIncrement"`
	EntryID          string `gorm:"column:entry_id;size:64;not null;uniqueIndex"`
	Writer           string `gorm:"column:writer;size:64;not null;uniqueIndex:idx_log_writer_seq,priority:1"`
	Seq              int64  `gorm:"column:seq;not null;uniqueIndex:idx_log_writer_seq,priority:2"`
	Payload          []byte `gorm:"column:payload;not null"`
	PayloadHash      string `gorm:"column:payload_hash;size:64;not null;default:''"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "room_log_entries"
}

func (e Entry) replicated() swarm.Entry {
	return swarm.Entry{ID: e.EntryID, Writer: e.Writer, Seq: e.Seq, Payload: e.Payload}
}

// Identity records which room a storage directory belongs to and the key this
// peer writes under.
type Identity struct {
	Slot      string    `gorm:"column:slot;primaryKey;size:32;not null"`
	RoomKey   string    `gorm:"column:room_key;size:64;not null"`
	WriterKey string    `gorm:"column:writer_key;size:64;not null"`
	Invite    string    `gorm:"column:invite;type:text;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing room identities.
func (Identity) TableName() string {
	return "room_identities"
}

// Event is an out-of-band record kept in the room's events collection.
type Event struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// String decodes Data as a JSON string, returning "" otherwise.
func (e Event) String() string {
	var value string
	if err := json.Unmarshal(e.Data, &value); err != nil {
		return ""
	}
	return value
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

const migrationBackfillPayloadHash = "2026-10-01_backfill_entry_payload_hash"

var logMigrations = []database.Migration{
	{Name: migrationBackfillPayloadHash, Apply: backfillPayloadHash},
}

func backfillPayloadHash(db *gorm.DB) error {
	var pending []Entry
	if err := db.Where("payload_hash = ''").Find(&pending).Error; err != nil {
		return err
	}
	for _, entry := range pending {
		if err := db.Model(&Entry{}).
			Where("position = ?", entry.Position).
			Update("payload_hash", hashPayload(entry.Payload)).Error; err != nil {
			return err
		}
	}
	return nil
}
