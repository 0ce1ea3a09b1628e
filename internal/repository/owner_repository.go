package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrOwnerNotFound = errors.New("owner not found")

// Owner is a registered vehicle owner, used to resolve per-plate
// notification bindings. VehicleNumber is stored normalized.
type Owner struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"not null" json:"name"`
	PhoneNumber    string    `gorm:"not null" json:"phone_number"`
	VehicleNumber  string    `gorm:"not null;uniqueIndex" json:"vehicle_number"`
	TelegramChatID *string   `gorm:"index" json:"telegram_chat_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Owner) TableName() string { return "vehicle_owners" }

type OwnerRepository struct {
	db *gorm.DB
}

func NewOwnerRepository(db *gorm.DB) *OwnerRepository {
	return &OwnerRepository{db: db}
}

func (r *OwnerRepository) Create(ctx context.Context, owner *Owner) error {
	owner.CreatedAt = time.Now()
	owner.UpdatedAt = owner.CreatedAt
	return r.db.WithContext(ctx).Create(owner).Error
}

func (r *OwnerRepository) FindByPlate(ctx context.Context, plate string) (*Owner, error) {
	var owner Owner
	err := r.db.WithContext(ctx).Where("vehicle_number = ?", plate).First(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOwnerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &owner, nil
}

func (r *OwnerRepository) List(ctx context.Context) ([]Owner, error) {
	var owners []Owner
	err := r.db.WithContext(ctx).Order("vehicle_number").Find(&owners).Error
	return owners, err
}

func (r *OwnerRepository) Delete(ctx context.Context, plate string) error {
	result := r.db.WithContext(ctx).Where("vehicle_number = ?", plate).Delete(&Owner{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOwnerNotFound
	}
	return nil
}

func (r *OwnerRepository) BindTelegram(ctx context.Context, plate, chatID string) error {
	result := r.db.WithContext(ctx).
		Model(&Owner{}).
		Where("vehicle_number = ?", plate).
		Updates(map[string]interface{}{
			"telegram_chat_id": chatID,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOwnerNotFound
	}
	return nil
}

func (r *OwnerRepository) UnbindTelegram(ctx context.Context, plate string) error {
	result := r.db.WithContext(ctx).
		Model(&Owner{}).
		Where("vehicle_number = ?", plate).
		Updates(map[string]interface{}{
			"telegram_chat_id": nil,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOwnerNotFound
	}
	return nil
}

// TelegramChatID implements notify.OwnerResolver.
func (r *OwnerRepository) TelegramChatID(ctx context.Context, plate string) (string, error) {
	owner, err := r.FindByPlate(ctx, plate)
	if err != nil {
		return "", err
	}
	if owner.TelegramChatID == nil || *owner.TelegramChatID == "" {
		return "", ErrOwnerNotFound
	}
	return *owner.TelegramChatID, nil
}
