package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the link request did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrIdentityNotFound indicates no identity matches the lookup.
	ErrIdentityNotFound = errors.New("users: identity not found")
)

// ServiceConfig describes the dependencies required for identity linking.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// LinkRequest binds a subject key to an X account.
type LinkRequest struct {
	SubjectKey     string
	ExternalUserID string
	Handle         string
	DisplayName    string
}

// Service manages subject ↔ X account links and the verified flag.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	// subject key -> external user id
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Link upserts the identity for req.ExternalUserID and points it at req.SubjectKey.
// An X account relinked from another subject moves to the new subject.
func (s *Service) Link(ctx context.Context, req LinkRequest) (Identity, error) {
	subjectKey := normalize(req.SubjectKey)
	externalUserID := normalize(req.ExternalUserID)
	if subjectKey == "" || externalUserID == "" {
		return Identity{}, ErrInvalidIdentity
	}
	handle := NormalizeHandle(req.Handle)
	now := s.now().UTC()

	var identity Identity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("external_user_id = ?", externalUserID).
			Take(&identity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			identity = Identity{
				ExternalUserID: externalUserID,
				SubjectKey:     subjectKey,
				Handle:         handle,
				HandleKey:      handleKey(handle),
				DisplayName:    normalize(req.DisplayName),
				LastSeenAt:     now,
			}
			return tx.Create(&identity).Error
		}
		if err != nil {
			return err
		}

		if identity.SubjectKey != subjectKey {
			s.logger.Info("identity relinked",
				zap.String("external_user_id", externalUserID),
				zap.String("previous_subject_key", identity.SubjectKey),
				zap.String("subject_key", subjectKey))
			s.cache.Delete(identity.SubjectKey)
		}
		updates := map[string]interface{}{
			"subject_key":  subjectKey,
			"last_seen_at": now,
		}
		if handle != "" && handle != identity.Handle {
			updates["handle"] = handle
			updates["handle_key"] = handleKey(handle)
		}
		if display := normalize(req.DisplayName); display != "" && display != identity.DisplayName {
			updates["display_name"] = display
		}
		if err := tx.Model(&Identity{}).
			Where("external_user_id = ?", externalUserID).
			Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("external_user_id = ?", externalUserID).Take(&identity).Error
	})
	if err != nil {
		return Identity{}, err
	}

	s.cache.Store(subjectKey, identity.ExternalUserID)
	return identity, nil
}

// ResolveSubject returns the identity most recently linked to subjectKey.
func (s *Service) ResolveSubject(ctx context.Context, subjectKey string) (Identity, error) {
	key := normalize(subjectKey)
	if key == "" {
		return Identity{}, ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(key); ok {
		if externalUserID, ok := cached.(string); ok {
			identity, err := s.ByExternalUserID(ctx, externalUserID)
			if err == nil && identity.SubjectKey == key {
				return identity, nil
			}
			s.cache.Delete(key)
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("subject_key = ?", key).
		Order("last_seen_at DESC").
		Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrIdentityNotFound
	}
	if err != nil {
		return Identity{}, err
	}
	s.cache.Store(key, identity.ExternalUserID)
	return identity, nil
}

// ByExternalUserID returns the identity for an X user id.
func (s *Service) ByExternalUserID(ctx context.Context, externalUserID string) (Identity, error) {
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("external_user_id = ?", normalize(externalUserID)).
		Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrIdentityNotFound
	}
	return identity, err
}

// ByHandle returns the identity whose handle matches, ignoring case and a leading @.
func (s *Service) ByHandle(ctx context.Context, handle string) (Identity, error) {
	key := handleKey(handle)
	if key == "" {
		return Identity{}, ErrInvalidIdentity
	}
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("handle_key = ?", key).
		Order("last_seen_at DESC").
		Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrIdentityNotFound
	}
	return identity, err
}

// MarkVerified flags the identity as verified at the current time.
func (s *Service) MarkVerified(ctx context.Context, externalUserID string) error {
	result := s.db.WithContext(ctx).Model(&Identity{}).
		Where("external_user_id = ?", normalize(externalUserID)).
		Updates(map[string]interface{}{
			"is_verified":    true,
			"verified_at_ms": s.now().UTC().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// ListVerified returns every verified identity ordered by external user id.
func (s *Service) ListVerified(ctx context.Context) ([]Identity, error) {
	var identities []Identity
	err := s.db.WithContext(ctx).
		Where("is_verified = ?", true).
		Order("external_user_id ASC").
		Find(&identities).Error
	return identities, err
}

// Handles maps the given external user ids to their handles; unknown ids are omitted.
func (s *Service) Handles(ctx context.Context, externalUserIDs []string) (map[string]string, error) {
	handles := make(map[string]string, len(externalUserIDs))
	if len(externalUserIDs) == 0 {
		return handles, nil
	}
	var identities []Identity
	if err := s.db.WithContext(ctx).
		Select("external_user_id", "handle").
		Where("external_user_id IN ?", externalUserIDs).
		Find(&identities).Error; err != nil {
		return nil, err
	}
	for _, identity := range identities {
		handles[identity.ExternalUserID] = identity.Handle
	}
	return handles, nil
}
