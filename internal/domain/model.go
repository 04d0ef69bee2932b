package domain

import (
	"time"

	"github.com/weiawesome/streamer-status/pkg/database"
)

// StreamerModel is the GORM model for the streamers table.
type StreamerModel struct {
	ID             string             `gorm:"type:varchar(36);primaryKey"`
	Name           string             `gorm:"type:varchar(100);not null"`
	TwitchUsername *string            `gorm:"type:varchar(100);index"`
	KickUsername   *string            `gorm:"type:varchar(100);index"`
	AvatarURL      *string            `gorm:"type:text"`
	IsLive         bool               `gorm:"not null;default:false;index"`
	LiveOn         database.StringSet `gorm:"type:text"`
	LivePlatform   *string            `gorm:"type:varchar(20)"`
	ViewerCount    int                `gorm:"not null;default:0"`
	Category       *string            `gorm:"type:varchar(200)"`
	Title          *string            `gorm:"type:text"`
	CreatedAt      time.Time          `gorm:"autoCreateTime"`
	UpdatedAt      time.Time          `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for StreamerModel.
func (StreamerModel) TableName() string {
	return "streamers"
}

// ToDomain converts the row into a Streamer.
func (m *StreamerModel) ToDomain() *Streamer {
	handles := make(map[Platform]string, 2)
	if m.TwitchUsername != nil && *m.TwitchUsername != "" {
		handles[PlatformTwitch] = *m.TwitchUsername
	}
	if m.KickUsername != nil && *m.KickUsername != "" {
		handles[PlatformKick] = *m.KickUsername
	}

	var liveOn []Platform
	for _, p := range m.LiveOn {
		liveOn = append(liveOn, Platform(p))
	}
	var livePlatform *Platform
	if m.LivePlatform != nil && *m.LivePlatform != "" {
		p := Platform(*m.LivePlatform)
		livePlatform = &p
	}

	return &Streamer{
		ID:        m.ID,
		Name:      m.Name,
		Handles:   handles,
		AvatarURL: m.AvatarURL,
		Status: Status{
			IsLive:       m.IsLive,
			LiveOn:       DefaultPriority.Sort(liveOn),
			LivePlatform: livePlatform,
			ViewerCount:  m.ViewerCount,
			Category:     m.Category,
			Title:        m.Title,
		},
		UpdatedAt: m.UpdatedAt,
	}
}

// StreamerToModel converts a Streamer into its row.
func StreamerToModel(s *Streamer) *StreamerModel {
	m := &StreamerModel{
		ID:        s.ID,
		Name:      s.Name,
		AvatarURL: s.AvatarURL,
	}
	if h, ok := s.Handle(PlatformTwitch); ok {
		m.TwitchUsername = &h
	}
	if h, ok := s.Handle(PlatformKick); ok {
		m.KickUsername = &h
	}
	applyStatus(m, s.Status)
	return m
}

// StatusColumns returns the column updates that persist st.
func StatusColumns(st Status) map[string]interface{} {
	m := &StreamerModel{}
	applyStatus(m, st)
	return map[string]interface{}{
		"is_live":       m.IsLive,
		"live_on":       m.LiveOn,
		"live_platform": m.LivePlatform,
		"viewer_count":  m.ViewerCount,
		"category":      m.Category,
		"title":         m.Title,
	}
}

func applyStatus(m *StreamerModel, st Status) {
	names := make([]string, 0, len(st.LiveOn))
	for _, p := range st.LiveOn {
		names = append(names, string(p))
	}
	m.IsLive = st.IsLive
	m.LiveOn = database.NewStringSet(names...)
	m.ViewerCount = st.ViewerCount
	m.Category = st.Category
	m.Title = st.Title
	m.LivePlatform = nil
	if st.LivePlatform != nil {
		p := string(*st.LivePlatform)
		m.LivePlatform = &p
	}
}
