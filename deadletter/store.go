// Package deadletter keeps messages the bus gave up on, so they can be inspected and redriven later.
package deadletter

import (
	"time"

	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/flow"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	DriverSqlite = "sqlite"
	DriverMySQL  = "mysql"

	TableName = "microbus_dead_letter"
)

const (
	ReasonUnknownType   = "UNKNOWN_EVENT_TYPE"
	ReasonSerialization = "SERIALIZATION_ERROR"
	ReasonHandlerFailed = "HANDLER_EXECUTION_ERROR"
	ReasonMaxRetry      = "MAX_RETRY_EXCEEDED"
)

// Message dropped by the bus.
type Letter struct {
	Id        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventName string    `gorm:"column:event_name;size:255;index" json:"eventName"`
	MessageId string    `gorm:"column:message_id;size:64" json:"messageId"`
	Payload   []byte    `gorm:"column:payload" json:"payload"`
	Attempt   int       `gorm:"column:attempt" json:"attempt"`
	Reason    string    `gorm:"column:reason;size:64" json:"reason"`
	Error     string    `gorm:"column:error;size:1000" json:"error"`
	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
}

func (Letter) TableName() string {
	return TableName
}

type ListReq struct {
	EventName string // optional
	Limit     int    // 0 means 50
	Offset    int
}

type Store interface {
	Save(rail flow.Rail, l *Letter) error
	List(rail flow.Rail, req ListReq) ([]Letter, error)

	// Returns errs.ErrNotFound if the letter doesn't exist.
	Get(rail flow.Rail, id int64) (Letter, error)

	// Returns errs.ErrNotFound if the letter doesn't exist.
	Delete(rail flow.Rail, id int64) error
}

// Open database for the dead letter store.
func Open(rail flow.Rail, driver string, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	conf := &gorm.Config{}
	switch driver {
	case DriverSqlite:
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
		conf.PrepareStmt = true
	default:
		return nil, errs.NewErrf("unsupported dead letter driver: '%v'", driver)
	}

	rail.Infof("Connecting to %v database for dead letters", driver)
	db, err := gorm.Open(dialector, conf)
	if err != nil {
		return nil, errs.WrapErrf(err, "failed to open %v database", driver)
	}

	sqlDb, err := db.DB()
	if err != nil {
		return nil, errs.WrapErrf(err, "failed to obtain %v conn from gorm", driver)
	}

	// make sure the handle is actually connected
	if err := sqlDb.Ping(); err != nil {
		return nil, errs.WrapErrf(err, "failed to ping %v database", driver)
	}
	rail.Infof("Dead letter database connected (%v)", driver)
	return db, nil
}

type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// Create gorm-backed Store, table 'microbus_dead_letter' is migrated automatically.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Letter{}); err != nil {
		return nil, errs.WrapErrf(err, "failed to migrate table %v", TableName)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) tx(rail flow.Rail) *gorm.DB {
	db := s.db.WithContext(rail.Context())
	if flow.IsDebugLevel() {
		return db.Debug()
	}
	return db
}

func (s *GormStore) Save(rail flow.Rail, l *Letter) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	if err := s.tx(rail).Create(l).Error; err != nil {
		return errs.WrapErrf(err, "failed to save dead letter for '%v'", l.EventName)
	}
	rail.Debugf("Saved dead letter %v, event: '%v', reason: %v", l.Id, l.EventName, l.Reason)
	return nil
}

func (s *GormStore) List(rail flow.Rail, req ListReq) ([]Letter, error) {
	if req.Limit < 1 {
		req.Limit = 50
	}
	q := s.tx(rail).Model(&Letter{})
	if req.EventName != "" {
		q = q.Where("event_name = ?", req.EventName)
	}
	var letters []Letter
	err := q.Order("id asc").Limit(req.Limit).Offset(req.Offset).Find(&letters).Error
	if err != nil {
		return nil, errs.WrapErrf(err, "failed to list dead letters")
	}
	return letters, nil
}

func (s *GormStore) Get(rail flow.Rail, id int64) (Letter, error) {
	var l Letter
	t := s.tx(rail).Where("id = ?", id).Limit(1).Find(&l)
	if t.Error != nil {
		return l, errs.WrapErrf(t.Error, "failed to find dead letter %v", id)
	}
	if t.RowsAffected < 1 {
		return l, errs.ErrNotFound.WithInternalMsg("dead letter %v not found", id)
	}
	return l, nil
}

func (s *GormStore) Delete(rail flow.Rail, id int64) error {
	t := s.tx(rail).Where("id = ?", id).Delete(&Letter{})
	if t.Error != nil {
		return errs.WrapErrf(t.Error, "failed to delete dead letter %v", id)
	}
	if t.RowsAffected < 1 {
		return errs.ErrNotFound.WithInternalMsg("dead letter %v not found", id)
	}
	return nil
}
