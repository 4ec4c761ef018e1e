package groups

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrMissingName   = errors.New("groups: group name is required")
	ErrGroupNotFound = errors.New("groups: group not found")
	ErrUserNotFound  = errors.New("groups: user not found")
	ErrAlreadyMember = errors.New("groups: user is already in the group")
	ErrNotMember     = errors.New("groups: caller is not a member of the group")

	errMissingDatabase = errors.New("database handle is required")
)

const (
	opServiceNew  = "groups.service.new"
	opCreate      = "groups.create"
	opListForUser = "groups.list_for_user"
	opMembers     = "groups.members"
	opAddMember   = "groups.add_member"
	opIsMember    = "groups.is_member"
)

type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service manages groups and their membership.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// Create stores a group and enrolls its creator in one transaction.
func (s *Service) Create(ctx context.Context, name string, creatorID uint) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, ErrMissingName
	}
	group := Group{Name: name, CreatedBy: creatorID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			s.logError(opCreate, "group_insert_failed", err)
			return serviceerr.New(opCreate, "group_insert_failed", err)
		}
		if err := tx.Create(&Member{GroupID: group.ID, UserID: creatorID}).Error; err != nil {
			s.logError(opCreate, "member_insert_failed", err, zap.Uint("group_id", group.ID))
			return serviceerr.New(opCreate, "member_insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return Group{}, err
	}
	return group, nil
}

// ListForUser returns the groups the user belongs to.
func (s *Service) ListForUser(ctx context.Context, userID uint) ([]Group, error) {
	var found []Group
	if err := s.db.WithContext(ctx).
		Model(&Group{}).
		Joins("JOIN group_members gm ON gm.group_id = expense_groups.id").
		Where("gm.user_id = ?", userID).
		Order("expense_groups.id ASC").
		Find(&found).Error; err != nil {
		s.logError(opListForUser, "query_failed", err, zap.Uint("user_id", userID))
		return nil, serviceerr.New(opListForUser, "query_failed", err)
	}
	return found, nil
}

// Members lists the group's members. The caller must belong to the group.
func (s *Service) Members(ctx context.Context, groupID, callerID uint) ([]MemberProfile, error) {
	if err := s.requireMember(ctx, opMembers, groupID, callerID); err != nil {
		return nil, err
	}
	var profiles []MemberProfile
	if err := s.db.WithContext(ctx).
		Table("users").
		Select("users.id, users.username").
		Joins("JOIN group_members gm ON gm.user_id = users.id").
		Where("gm.group_id = ?", groupID).
		Order("users.username ASC").
		Scan(&profiles).Error; err != nil {
		s.logError(opMembers, "query_failed", err, zap.Uint("group_id", groupID))
		return nil, serviceerr.New(opMembers, "query_failed", err)
	}
	return profiles, nil
}

// AddMember enrolls userID in the group on behalf of an existing member.
func (s *Service) AddMember(ctx context.Context, groupID, callerID, userID uint) error {
	if err := s.requireMember(ctx, opAddMember, groupID, callerID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var users int64
		if err := tx.Table("users").Where("id = ?", userID).Count(&users).Error; err != nil {
			s.logError(opAddMember, "user_lookup_failed", err)
			return serviceerr.New(opAddMember, "user_lookup_failed", err)
		}
		if users == 0 {
			return ErrUserNotFound
		}
		var existing int64
		if err := tx.Model(&Member{}).Where("group_id = ? AND user_id = ?", groupID, userID).Count(&existing).Error; err != nil {
			s.logError(opAddMember, "member_lookup_failed", err)
			return serviceerr.New(opAddMember, "member_lookup_failed", err)
		}
		if existing > 0 {
			return ErrAlreadyMember
		}
		if err := tx.Create(&Member{GroupID: groupID, UserID: userID}).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyMember
			}
			s.logError(opAddMember, "member_insert_failed", err,
				zap.Uint("group_id", groupID),
				zap.Uint("user_id", userID))
			return serviceerr.New(opAddMember, "member_insert_failed", err)
		}
		return nil
	})
}

// IsMember reports whether userID belongs to groupID.
func (s *Service) IsMember(ctx context.Context, groupID, userID uint) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Member{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Count(&count).Error; err != nil {
		s.logError(opIsMember, "query_failed", err)
		return false, serviceerr.New(opIsMember, "query_failed", err)
	}
	return count > 0, nil
}

// CanJoin lets the service authorize realtime room joins, where room and user
// ids travel as strings. Non-numeric ids are never members.
func (s *Service) CanJoin(ctx context.Context, roomID, userID string) (bool, error) {
	groupID, err := strconv.ParseUint(roomID, 10, 64)
	if err != nil {
		return false, nil
	}
	memberID, err := strconv.ParseUint(userID, 10, 64)
	if err != nil {
		return false, nil
	}
	return s.IsMember(ctx, uint(groupID), uint(memberID))
}

func (s *Service) requireMember(ctx context.Context, operation string, groupID, callerID uint) error {
	var group Group
	err := s.db.WithContext(ctx).Where("id = ?", groupID).Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrGroupNotFound
	}
	if err != nil {
		s.logError(operation, "group_lookup_failed", err, zap.Uint("group_id", groupID))
		return serviceerr.New(operation, "group_lookup_failed", err)
	}
	member, err := s.IsMember(ctx, groupID, callerID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("groups service error", attrs...)
}
