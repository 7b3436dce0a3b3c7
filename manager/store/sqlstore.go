package store

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fleetwire/fleetwire/manager"
)

type SqlStore struct {
	db *gorm.DB
}

// NewSqlStore opens the durable store. Driver is "sqlite" (default, pure Go
// driver) or "postgres".
func NewSqlStore(driver, dsn string) (*SqlStore, error) {
	if dsn == "" {
		return nil, errors.New("database dsn required")
	}

	var dial gorm.Dialector
	switch driver {
	case "", "sqlite":
		dial = sqlite.Open(dsn + "?cache=shared&_journal_mode=WAL&_synchronous=1")
	case "postgres":
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&manager.Client{},
		&manager.EnrollmentCode{},
		&manager.ConnectionSession{},
	)
	if err != nil {
		return nil, err
	}

	return &SqlStore{db: db}, nil
}

func (s *SqlStore) CreateClient(client *manager.Client) error {
	err := s.db.Create(client).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// The only unique index besides the fresh primary key is the
		// assigned address.
		return manager.ErrAddressTaken
	}
	return err
}

func (s *SqlStore) GetClients() (manager.Clients, error) {
	var clients manager.Clients
	if err := s.db.Order("created_at").Find(&clients).Error; err != nil {
		return nil, err
	}
	return clients, nil
}

func (s *SqlStore) GetClientByID(id string) (*manager.Client, error) {
	var client *manager.Client
	if err := s.db.Where("id = ?", id).First(&client).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, manager.ErrNotFound
		}
		return nil, err
	}
	return client, nil
}

func (s *SqlStore) UpdateClient(client *manager.Client) error {
	return s.db.Save(client).Error
}

func (s *SqlStore) DeleteClient(id string) error {
	res := s.db.Delete(&manager.Client{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return manager.ErrNotFound
	}
	return nil
}

func (s *SqlStore) GetAllocatedIPs() ([]netip.Addr, error) {
	var clients []manager.Client
	if err := s.db.Find(&clients).Error; err != nil {
		return nil, err
	}

	var ips []netip.Addr
	for _, client := range clients {
		ips = append(ips, client.AssignedIP)
	}
	return ips, nil
}

func (s *SqlStore) CreateCode(code *manager.EnrollmentCode) error {
	return s.db.Create(code).Error
}

func (s *SqlStore) GetCode(codeValue string) (*manager.EnrollmentCode, error) {
	var code *manager.EnrollmentCode
	if err := s.db.Where("code = ?", codeValue).First(&code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, manager.ErrNotFound
		}
		return nil, err
	}
	return code, nil
}

func (s *SqlStore) GetActiveCode(clientID string, now time.Time) (*manager.EnrollmentCode, error) {
	var code *manager.EnrollmentCode
	err := s.db.
		Where("client_id = ? AND redeemed_at IS NULL AND revoked_at IS NULL AND expires_at > ?", clientID, now).
		Order("id DESC").
		First(&code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, manager.ErrNotFound
		}
		return nil, err
	}
	return code, nil
}

// RedeemCode is the single-winner arbiter: the conditional UPDATE flips
// redeemed_at only while the code is still active, so exactly one of any
// number of concurrent redeemers sees RowsAffected == 1.
func (s *SqlStore) RedeemCode(codeValue string, now time.Time) (*manager.EnrollmentCode, error) {
	res := s.db.Model(&manager.EnrollmentCode{}).
		Where("code = ? AND redeemed_at IS NULL AND revoked_at IS NULL AND expires_at > ?", codeValue, now).
		Update("redeemed_at", now)
	if res.Error != nil {
		return nil, res.Error
	}

	var code *manager.EnrollmentCode
	if err := s.db.Where("code = ?", codeValue).First(&code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, manager.ErrNotFound
		}
		return nil, err
	}

	if res.RowsAffected == 0 {
		return code, manager.ErrCodeNotRedeemable
	}
	return code, nil
}

func (s *SqlStore) RevokeActiveCodes(clientID string, now time.Time) error {
	return s.db.Model(&manager.EnrollmentCode{}).
		Where("client_id = ? AND redeemed_at IS NULL AND revoked_at IS NULL", clientID).
		Update("revoked_at", now).Error
}

func (s *SqlStore) OpenSession(session *manager.ConnectionSession) error {
	return s.db.Create(session).Error
}

func (s *SqlStore) CloseOpenSession(clientID string, at time.Time, bytesSent, bytesReceived uint64, reason string) (bool, error) {
	res := s.db.Model(&manager.ConnectionSession{}).
		Where("client_id = ? AND disconnected_at IS NULL", clientID).
		Updates(map[string]interface{}{
			"disconnected_at":   at,
			"bytes_sent":        bytesSent,
			"bytes_received":    bytesReceived,
			"disconnect_reason": reason,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *SqlStore) GetOpenSession(clientID string) (*manager.ConnectionSession, error) {
	var session *manager.ConnectionSession
	err := s.db.Where("client_id = ? AND disconnected_at IS NULL", clientID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, manager.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *SqlStore) GetSessions(clientID string, limit int) ([]manager.ConnectionSession, error) {
	var sessions []manager.ConnectionSession
	q := s.db.Where("client_id = ?", clientID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *SqlStore) Close() error {
	return nil
}
