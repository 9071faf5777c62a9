package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/senderyard/internal/models"
)

// AddPerson creates a person, or refreshes the profile fields of the one
// already stored under the same profile URL. The stored row is returned.
func (q *Queue) AddPerson(ctx context.Context, p models.Person) (*models.Person, error) {
	u, err := url.Parse(strings.TrimSpace(p.LinkedInURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("queue: add person: profile URL %q: %w", p.LinkedInURL, ErrInvalid)
	}
	p.LinkedInURL = u.String()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := q.clock()
	p.CreatedAt, p.UpdatedAt = now, now

	err = q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "linkedin_url"}},
		DoUpdates: clause.AssignmentColumns([]string{"workspace_id", "name", "headline", "company", "updated_at"}),
	}).Create(&p).Error
	if err != nil {
		return nil, fmt.Errorf("queue: add person: %w", err)
	}

	var stored models.Person
	if err := q.db.WithContext(ctx).Where("linkedin_url = ?", p.LinkedInURL).Take(&stored).Error; err != nil {
		return nil, fmt.Errorf("queue: add person: reload: %w", err)
	}
	return &stored, nil
}

// GetPerson loads one person.
func (q *Queue) GetPerson(ctx context.Context, personID string) (*models.Person, error) {
	var p models.Person
	err := q.db.WithContext(ctx).Where("id = ?", personID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("queue: get person %s: %w", personID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get person %s: %w", personID, err)
	}
	return &p, nil
}

// ListPeople returns people in a workspace, or all of them when workspace
// is empty.
func (q *Queue) ListPeople(ctx context.Context, workspace string) ([]models.Person, error) {
	scan := q.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if workspace != "" {
		scan = scan.Where("workspace_id = ?", workspace)
	}
	var out []models.Person
	if err := scan.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("queue: list people: %w", err)
	}
	return out, nil
}
