// Package pgstore provides a PostgreSQL-backed offset store for brook
// clients that must resume replay across process restarts with server-side
// durability. Offsets live in a single key/value table managed by gorm.
package pgstore

import (
	"fmt"
	"net/url"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	defaultHost    = "localhost"
	defaultPort    = 5432
	defaultSSLMode = "disable"
)

// Option defines connection options for the offset database.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	Config     *gorm.Config
}

type offsetRecord struct {
	Key   string `gorm:"primaryKey;column:key"`
	Value string `gorm:"column:value"`
}

func (offsetRecord) TableName() string { return "brook_offsets" }

// Store is an OffsetStore backed by PostgreSQL.
type Store struct {
	opt Option
	db  *gorm.DB
}

// New opens the offset database and ensures the offsets table exists.
func New(option Option) (*Store, error) {
	connString, err := option.dsn()
	if err != nil {
		return nil, err
	}

	config := option.Config
	if config == nil {
		config = &gorm.Config{}
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&offsetRecord{}); err != nil {
		return nil, err
	}

	return &Store{opt: option, db: db}, nil
}

// Get returns the stored value and whether the key exists.
func (store *Store) Get(key string) (string, bool) {
	if store == nil || store.db == nil {
		return "", false
	}

	var record offsetRecord
	result := store.db.First(&record, "key = ?", key)
	if result.Error != nil {
		return "", false
	}
	return record.Value, true
}

// Set stores the value under key, inserting or updating the row.
func (store *Store) Set(key string, value string) error {
	if store == nil || store.db == nil {
		return fmt.Errorf("offset store is not open")
	}

	record := offsetRecord{Key: key, Value: value}
	return store.db.Save(&record).Error
}

// Close closes the underlying connection pool.
func (store *Store) Close() error {
	if store == nil || store.db == nil {
		return nil
	}
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt Option) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultHost
	}

	port := opt.Port
	if port == 0 {
		port = defaultPort
	}

	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}

	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}

	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	if len(query) != 0 {
		u.RawQuery = query.Encode()
	}

	return u.String(), nil
}
