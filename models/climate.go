package models

import (
	"time"
)

// ClimateReading is one durable log row. ID is the log's insertion order
type ClimateReading struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	NodeID      string    `gorm:"index:idx_climate_node_time;not null;size:255" json:"node_id"`
	Timestamp   time.Time `gorm:"index:idx_climate_node_time;not null" json:"timestamp"`
	Temperature float64   `gorm:"not null" json:"temperature"`
	Humidity    float64   `gorm:"not null" json:"humidity"`
	PosX        float64   `json:"pos_x"`
	PosY        float64   `json:"pos_y"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName customizes the table name
func (ClimateReading) TableName() string {
	return "climate_data"
}

// NodeInfo holds the latest known metadata of a node, last write wins
type NodeInfo struct {
	NodeID    string    `gorm:"primaryKey;size:255" json:"node_id"`
	PosX      float64   `json:"pos_x"`
	PosY      float64   `json:"pos_y"`
	Status    string    `gorm:"size:16;default:online" json:"status"`
	LastSeen  time.Time `json:"last_seen"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName customizes the table name
func (NodeInfo) TableName() string {
	return "node_info"
}

// GetAllModels returns all models for migration
func GetAllModels() []interface{} {
	return []interface{}{
		&ClimateReading{},
		&NodeInfo{},
	}
}
