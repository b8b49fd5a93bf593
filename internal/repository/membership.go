package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/campushub/chatcore/internal/model"
)

// IMembershipRepository reads the membership set owned by server
// management. This core never writes it.
type IMembershipRepository interface {
	IsMember(ctx context.Context, userID string, scope model.ChannelScope) (bool, error)
}

type MembershipRepository struct {
	db *gorm.DB
}

func NewMembershipRepository(db *gorm.DB) IMembershipRepository {
	return &MembershipRepository{db: db}
}

func (r *MembershipRepository) IsMember(ctx context.Context, userID string, scope model.ChannelScope) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Membership{}).
		Where("server_id = ? AND user_id = ?", scope.ServerID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
