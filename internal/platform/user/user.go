package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"lockgate/internal/changeemail"
	"lockgate/internal/database"
	"lockgate/pkg/crypto"
)

// columns maps store field names to database columns. Lookups on anything
// else are programming errors, not user input.
var columns = map[string]string{
	changeemail.FieldEmail:       "email",
	changeemail.FieldName:        "name",
	changeemail.FieldChangeToken: "change_token",
	changeemail.FieldRevertToken: "revert_token",
	"organization_id":            "organization_id",
}

type UserService struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// Find implements changeemail.Store. A missing row is (nil, nil); the caller
// decides whether that is an error.
func (s *UserService) Find(ctx context.Context, field string, value any, scope changeemail.Filter) (*database.User, error) {
	column, ok := columns[field]
	if !ok {
		return nil, fmt.Errorf("unknown user field %q", field)
	}

	query := s.db.WithContext(ctx).Where(fmt.Sprintf("%s = ?", column), value)
	for k, v := range scope {
		scopeColumn, ok := columns[k]
		if !ok {
			return nil, fmt.Errorf("unknown scope field %q", k)
		}
		query = query.Where(fmt.Sprintf("%s = ?", scopeColumn), v)
	}

	var user database.User
	result := query.First(&user)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find user by %s: %w", field, result.Error)
	}
	return &user, nil
}

// Update implements changeemail.Store. Save writes all fields, including the
// cleared token columns.
func (s *UserService) Update(ctx context.Context, user *database.User) (*database.User, error) {
	result := s.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return nil, fmt.Errorf("update user: %w", result.Error)
	}
	return user, nil
}

func (s *UserService) Create(ctx context.Context, user *database.User) error {
	result := s.db.WithContext(ctx).Create(user)
	if result.Error != nil {
		return result.Error
	}
	return nil
}

func (s *UserService) GetUserByID(ctx context.Context, userID uuid.UUID) (*database.User, error) {
	var user database.User

	result := s.db.WithContext(ctx).First(&user, "id = ?", userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, errors.New("user not found")
		}
		return nil, result.Error
	}
	return &user, nil
}

func (s *UserService) SetPassword(ctx context.Context, user *database.User, password string) error {
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}

	user.PasswordSalt = salt
	user.HashIterations = crypto.DefaultIterations
	user.PasswordHash = crypto.DerivePassword(password, salt, crypto.DefaultIterations)

	result := s.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return result.Error
	}
	return nil
}

func (s *UserService) IsLocked(user *database.User) bool {
	return user.AccountLocked && user.AccountLockedUntil != nil && user.AccountLockedUntil.After(time.Now())
}
