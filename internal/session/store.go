// Package session stores sender credentials, cookie jars and the session
// and health status board.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/senderyard/internal/models"
)

// Health change sources recorded in the audit log.
const (
	SourceWorker   = "worker"
	SourceOperator = "operator"
	SourceSystem   = "system"
)

var (
	// ErrNotFound means the sender, or the requested secret, does not exist.
	ErrNotFound = errors.New("session: not found")
	// ErrDecrypt means a stored credential blob could not be opened or parsed.
	ErrDecrypt = errors.New("session: decrypt failure")
	// ErrInvalid means a status or input value was rejected.
	ErrInvalid = errors.New("session: invalid input")
	// ErrExists means a sender with the same ID already exists.
	ErrExists = errors.New("session: sender already exists")
)

// Cipher seals and opens per-sender secrets. The sender ID is bound to the
// ciphertext so blobs cannot be swapped between senders.
type Cipher interface {
	Encrypt(senderID string, plaintext []byte) ([]byte, error)
	Decrypt(senderID string, blob []byte) ([]byte, error)
}

// Credentials are a sender's login secrets.
type Credentials struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totpSecret,omitempty"`
}

// Cookie is one browser cookie in a sender's jar. Expires is Unix seconds;
// zero or negative means a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// HealthChange is one requested health transition.
type HealthChange struct {
	Status string
	Reason string
	Source string
}

// SenderView is a sender as exposed to workers, with cookies decrypted.
type SenderView struct {
	ID             string
	WorkspaceID    string
	Name           string
	Tier           string
	ProxyRef       string
	SessionStatus  string
	HealthStatus   string
	HealthReason   string
	LastActiveAt   *time.Time
	HasCredentials bool
	Cookies        []Cookie
}

// Store is the session and health board for senders.
type Store struct {
	db     *gorm.DB
	cipher Cipher
	log    *zap.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for corruption warnings.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store over db using cipher for secrets.
func New(db *gorm.DB, cipher Cipher, opts ...Option) *Store {
	s := &Store{db: db, cipher: cipher, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// Get loads one sender.
func (s *Store) Get(ctx context.Context, senderID string) (*models.Sender, error) {
	var sender models.Sender
	err := s.db.WithContext(ctx).Where("id = ?", senderID).Take(&sender).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session: get sender %s: %w", senderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("session: get sender %s: %w", senderID, err)
	}
	return &sender, nil
}

// CreateSender inserts a new sender with no secrets and a healthy board.
func (s *Store) CreateSender(ctx context.Context, sender *models.Sender) error {
	if sender.ID == "" {
		return fmt.Errorf("session: create sender: id is required: %w", ErrInvalid)
	}
	sender.SessionStatus = models.SessionNone
	sender.HealthStatus = models.HealthHealthy

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Sender{}).Where("id = ?", sender.ID).Count(&n).Error; err != nil {
			return fmt.Errorf("session: create sender %s: %w", sender.ID, err)
		}
		if n > 0 {
			return fmt.Errorf("session: create sender %s: %w", sender.ID, ErrExists)
		}
		if err := tx.Create(sender).Error; err != nil {
			return fmt.Errorf("session: create sender %s: %w", sender.ID, err)
		}
		return nil
	})
}

// List returns senders in workspace (all senders when empty), ordered by ID.
// Cookie jars that fail to decrypt are reported as nil with an expired
// session; nothing is written back.
func (s *Store) List(ctx context.Context, workspace string) ([]SenderView, error) {
	q := s.db.WithContext(ctx).Order("id")
	if workspace != "" {
		q = q.Where("workspace_id = ?", workspace)
	}
	var senders []models.Sender
	if err := q.Find(&senders).Error; err != nil {
		return nil, fmt.Errorf("session: list senders: %w", err)
	}

	views := make([]SenderView, 0, len(senders))
	for i := range senders {
		sender := &senders[i]
		v := SenderView{
			ID:             sender.ID,
			WorkspaceID:    sender.WorkspaceID,
			Name:           sender.Name,
			Tier:           sender.Tier,
			ProxyRef:       sender.ProxyRef,
			SessionStatus:  sender.SessionStatus,
			HealthStatus:   sender.HealthStatus,
			HealthReason:   sender.HealthReason,
			LastActiveAt:   sender.LastActiveAt,
			HasCredentials: len(sender.Credentials) > 0,
		}
		cookies, ok := s.openCookies(sender)
		v.Cookies = cookies
		if !ok {
			v.SessionStatus = models.SessionExpired
		}
		views = append(views, v)
	}
	return views, nil
}

// SaveCredentials encrypts and stores login secrets. The TOTP seed is
// sealed separately so its corruption never hides the password.
func (s *Store) SaveCredentials(ctx context.Context, senderID string, creds Credentials) error {
	if creds.Email == "" || creds.Password == "" {
		return fmt.Errorf("session: save credentials %s: email and password are required: %w", senderID, ErrInvalid)
	}
	plain, err := json.Marshal(struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{creds.Email, creds.Password})
	if err != nil {
		return fmt.Errorf("session: save credentials %s: %w", senderID, err)
	}
	sealed, err := s.cipher.Encrypt(senderID, plain)
	if err != nil {
		return fmt.Errorf("session: save credentials %s: %w", senderID, err)
	}
	var totp []byte
	if creds.TOTPSecret != "" {
		if totp, err = s.cipher.Encrypt(senderID, []byte(creds.TOTPSecret)); err != nil {
			return fmt.Errorf("session: save credentials %s: %w", senderID, err)
		}
	}

	res := s.db.WithContext(ctx).Model(&models.Sender{}).Where("id = ?", senderID).
		Updates(map[string]interface{}{"credentials": sealed, "totp_secret": totp})
	if res.Error != nil {
		return fmt.Errorf("session: save credentials %s: %w", senderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session: save credentials %s: %w", senderID, ErrNotFound)
	}
	return nil
}

// GetCredentials decrypts a sender's login secrets. A TOTP seed that fails
// to decrypt is logged and omitted.
func (s *Store) GetCredentials(ctx context.Context, senderID string) (*Credentials, error) {
	sender, err := s.Get(ctx, senderID)
	if err != nil {
		return nil, err
	}
	if len(sender.Credentials) == 0 {
		return nil, fmt.Errorf("session: get credentials %s: %w", senderID, ErrNotFound)
	}

	plain, err := s.cipher.Decrypt(senderID, sender.Credentials)
	if err != nil {
		return nil, fmt.Errorf("session: get credentials %s: %w", senderID, ErrDecrypt)
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("session: get credentials %s: %w", senderID, ErrDecrypt)
	}

	if len(sender.TOTPSecret) > 0 {
		seed, err := s.cipher.Decrypt(senderID, sender.TOTPSecret)
		if err != nil {
			s.log.Warn("totp secret unreadable, returning credentials without it",
				zap.String("sender_id", senderID), zap.Error(err))
		} else {
			creds.TOTPSecret = string(seed)
		}
	}
	return &creds, nil
}

// GetCookies returns the sender's decrypted cookie jar, or nil when no
// session is stored or the stored jar is unreadable.
func (s *Store) GetCookies(ctx context.Context, senderID string) ([]Cookie, error) {
	sender, err := s.Get(ctx, senderID)
	if err != nil {
		return nil, err
	}
	cookies, _ := s.openCookies(sender)
	return cookies, nil
}

// openCookies decrypts the jar. ok is false when data was present but
// could not be read.
func (s *Store) openCookies(sender *models.Sender) (cookies []Cookie, ok bool) {
	if len(sender.SessionData) == 0 {
		return nil, true
	}
	plain, err := s.cipher.Decrypt(sender.ID, sender.SessionData)
	if err == nil {
		err = json.Unmarshal(plain, &cookies)
	}
	if err != nil {
		s.log.Warn("session data unreadable, treating session as expired",
			zap.String("sender_id", sender.ID), zap.Error(err))
		return nil, false
	}
	return cookies, true
}

// SaveSession stores a fresh cookie jar and marks the session active.
func (s *Store) SaveSession(ctx context.Context, senderID string, cookies []Cookie) error {
	plain, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("session: save session %s: %w", senderID, err)
	}
	sealed, err := s.cipher.Encrypt(senderID, plain)
	if err != nil {
		return fmt.Errorf("session: save session %s: %w", senderID, err)
	}

	now := s.clock()
	res := s.db.WithContext(ctx).Model(&models.Sender{}).Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"session_data":       sealed,
			"session_status":     models.SessionActive,
			"session_updated_at": now,
			"last_active_at":     now,
		})
	if res.Error != nil {
		return fmt.Errorf("session: save session %s: %w", senderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session: save session %s: %w", senderID, ErrNotFound)
	}
	return nil
}

// SetSessionStatus records a session status without touching the jar.
func (s *Store) SetSessionStatus(ctx context.Context, senderID, status string) error {
	if !models.ValidSessionStatus(status) {
		return fmt.Errorf("session: set session status %q: %w", status, ErrInvalid)
	}
	res := s.db.WithContext(ctx).Model(&models.Sender{}).Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"session_status":     status,
			"session_updated_at": s.clock(),
		})
	if res.Error != nil {
		return fmt.Errorf("session: set session status %s: %w", senderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session: set session status %s: %w", senderID, ErrNotFound)
	}
	return nil
}

// SetHealth moves a sender to any valid health status and appends the
// transition to the audit log in the same transaction. session_expired
// also marks the session expired.
func (s *Store) SetHealth(ctx context.Context, senderID string, change HealthChange) error {
	if !models.ValidHealthStatus(change.Status) {
		return fmt.Errorf("session: set health %q: %w", change.Status, ErrInvalid)
	}
	if change.Source == "" {
		change.Source = SourceSystem
	}
	now := s.clock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sender models.Sender
		err := tx.Select("id", "health_status").Where("id = ?", senderID).Take(&sender).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("session: set health %s: %w", senderID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("session: set health %s: %w", senderID, err)
		}

		updates := map[string]interface{}{
			"health_status":     change.Status,
			"health_reason":     change.Reason,
			"health_updated_at": now,
		}
		if change.Status == models.HealthSessionExpired {
			updates["session_status"] = models.SessionExpired
			updates["session_updated_at"] = now
		}
		if err := tx.Model(&models.Sender{}).Where("id = ?", senderID).Updates(updates).Error; err != nil {
			return fmt.Errorf("session: set health %s: %w", senderID, err)
		}

		event := models.HealthEvent{
			SenderID:   senderID,
			FromStatus: sender.HealthStatus,
			ToStatus:   change.Status,
			Reason:     change.Reason,
			Source:     change.Source,
			CreatedAt:  now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("session: record health event %s: %w", senderID, err)
		}
		return nil
	})
}

// HealthHistory returns the most recent health events for a sender, newest first.
func (s *Store) HealthHistory(ctx context.Context, senderID string, limit int) ([]models.HealthEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	var events []models.HealthEvent
	if err := s.db.WithContext(ctx).Where("sender_id = ?", senderID).
		Order("id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("session: health history %s: %w", senderID, err)
	}
	return events, nil
}
