package repository

import "time"

// User is a registered account together with its cumulative reward state.
type User struct {
	ID              uint                    `gorm:"primaryKey" json:"id"`
	Name            string                  `gorm:"column:name;size:255;not null" json:"name"`
	Email           string                  `gorm:"column:email;size:255;uniqueIndex;not null" json:"email"`
	PasswordHash    string                  `gorm:"column:password_hash;size:255;not null" json:"-"`
	Points          int                     `gorm:"column:points;not null;default:0" json:"points"`
	TotalClassified int                     `gorm:"column:total_classified;not null;default:0" json:"total_classified"`
	BioCount        int                     `gorm:"column:bio_count;not null;default:0" json:"bio_count"`
	NonbioCount     int                     `gorm:"column:nonbio_count;not null;default:0" json:"nonbio_count"`
	CreatedAt       time.Time               `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	Histories       []ClassificationHistory `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}

// ClassificationHistory is one accepted classification-and-reward event.
// Rows are appended and read, never updated.
type ClassificationHistory struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"column:user_id;not null;index" json:"user_id"`
	PredictedClass string    `gorm:"column:predicted_class;size:128;not null" json:"predicted_class"`
	Confidence     int       `gorm:"column:confidence;not null;default:0" json:"confidence"`
	PointsEarned   int       `gorm:"column:points_earned;not null;default:0" json:"points_earned"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime;index" json:"created_at"`
}

// TableName overrides the default table name.
func (ClassificationHistory) TableName() string {
	return "classification_history"
}

// Stats is the full set of reward counters stored on a user.
type Stats struct {
	Points int
	Total  int
	Bio    int
	Nonbio int
}

// HistoryEntry describes a history row to append.
type HistoryEntry struct {
	PredictedClass string
	Confidence     int
	PointsEarned   int
}
