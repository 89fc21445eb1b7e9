package projects

import "time"

// Project is a fundraising listing owned by an entrepreneur.
type Project struct {
	ProjectID   string    `gorm:"column:project_id;primaryKey;size:190;not null" json:"id"`
	OwnerID     string    `gorm:"column:owner_id;size:190;not null;index" json:"ownerId"`
	Title       string    `gorm:"column:title;size:320;not null" json:"title"`
	Description string    `gorm:"column:description;type:text" json:"description"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// Interest records an investor's interest in a project. One row per pair.
type Interest struct {
	ProjectID  string    `gorm:"column:project_id;primaryKey;size:190;not null" json:"projectId"`
	InvestorID string    `gorm:"column:investor_id;primaryKey;size:190;not null;index" json:"investorId"`
	Message    string    `gorm:"column:message;type:text" json:"message,omitempty"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Interest) TableName() string {
	return "project_interests"
}

// Draft is the input for a new project.
type Draft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Update is a progress note an owner pushes to the project's followers.
type Update struct {
	ProjectID string    `json:"projectId"`
	AuthorID  string    `json:"authorId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sentAt"`
}
