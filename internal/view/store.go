package view

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryCollection         = "collection = ?"
	queryCollectionRecord   = "collection = ? AND record_id = ?"
	queryPositionBefore     = "position < ?"
	queryPositionAfter      = "position > ?"
	orderPositionAscending  = "position ASC"
	orderPositionDescending = "position DESC"
)

var errMissingDatabase = errors.New("view: database handle is required")

// Record is one materialized record. Position follows delivery order.
type Record struct {
	Position   int64  `gorm:"column:position;primaryKey;autoIncrement"`
	Collection string `gorm:"column:collection;size:190;not null;uniqueIndex:idx_view_collection_record,priority:1"`
	RecordID   string `gorm:"column:record_id;size:190;not null;uniqueIndex:idx_view_collection_record,priority:2"`
	BodyJSON   string `gorm:"column:body_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "view_records"
}

// Store is the SQLite backed view.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a database handle whose schema includes Record.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// WithTx returns a Store bound to an open transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Insert implements DB.
func (s *Store) Insert(ctx context.Context, collection string, record any) error {
	recordID, body, err := encodeRecord(collection, record)
	if err != nil {
		return err
	}
	model := Record{
		Collection: collection,
		RecordID:   recordID,
		BodyJSON:   body,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

// Delete implements DB.
func (s *Store) Delete(ctx context.Context, collection string, id string) error {
	if collection == "" {
		return ErrMissingCollection
	}
	return s.db.WithContext(ctx).
		Where(queryCollectionRecord, collection, id).
		Delete(&Record{}).Error
}

// Find implements DB.
func (s *Store) Find(ctx context.Context, collection string, opts FindOptions) *Cursor {
	if collection == "" {
		return failedCursor(ErrMissingCollection)
	}
	load := func(ctx context.Context, position int64, started bool, size int) ([]Record, error) {
		query := s.db.WithContext(ctx).Where(queryCollection, collection)
		order := orderPositionAscending
		if opts.Reverse {
			order = orderPositionDescending
		}
		if started {
			if opts.Reverse {
				query = query.Where(queryPositionBefore, position)
			} else {
				query = query.Where(queryPositionAfter, position)
			}
		}
		var records []Record
		if err := query.Order(order).Limit(size).Find(&records).Error; err != nil {
			return nil, err
		}
		return records, nil
	}
	return newCursor(ctx, load, opts.Limit)
}

// Count returns the number of records in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Record{}).Where(queryCollection, collection).Count(&count).Error
	return count, err
}
