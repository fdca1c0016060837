package models

import (
	"fmt"
	"time"
)

const (
	RoleAdmin   = "admin"
	RoleCompany = "company"
)

// User is an operator (admin) or a subscribing bus company.
type User struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	CompanyName    string    `json:"company_name" gorm:"size:200;not null"`
	Email          string    `json:"email" gorm:"size:200;uniqueIndex;not null"`
	Role           string    `json:"role" gorm:"size:20;index;not null;default:company"`
	TelegramChatID string    `json:"telegram_chat_id" gorm:"size:64"`
	IsActive       bool      `json:"is_active" gorm:"index;not null;default:true"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Route is a tracked origin-destination pair. The scraper only reads it.
type Route struct {
	ID                  uint      `json:"id" gorm:"primaryKey"`
	OriginCityName      string    `json:"origin_city_name" gorm:"size:100;not null"`
	OriginObiletID      int       `json:"origin_obilet_id" gorm:"not null;uniqueIndex:unique_route"`
	DestinationCityName string    `json:"destination_city_name" gorm:"size:100;not null"`
	DestinationObiletID int       `json:"destination_obilet_id" gorm:"not null;uniqueIndex:unique_route"`
	RouteName           string    `json:"route_name" gorm:"size:200"`
	IsActive            bool      `json:"is_active" gorm:"index;not null;default:true"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DisplayName falls back to "Origin - Destination" when no route name is set.
func (r Route) DisplayName() string {
	if r.RouteName != "" {
		return r.RouteName
	}
	return fmt.Sprintf("%s - %s", r.OriginCityName, r.DestinationCityName)
}

// CompanyRoute links a subscribing company to a route it tracks.
type CompanyRoute struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    uint      `json:"user_id" gorm:"not null;uniqueIndex:unique_user_route"`
	User      User      `json:"user" gorm:"foreignKey:UserID"`
	RouteID   uint      `json:"route_id" gorm:"not null;uniqueIndex:unique_user_route"`
	IsActive  bool      `json:"is_active" gorm:"not null;default:true"`
	CreatedAt time.Time `json:"created_at"`
}

// Journey is the persisted counterpart of one upstream fare listing.
// (RouteID, ObiletJourneyID) is the reconciliation key.
type Journey struct {
	ID              uint   `json:"id" gorm:"primaryKey"`
	RouteID         uint   `json:"route_id" gorm:"not null;uniqueIndex:idx_route_journey"`
	ObiletJourneyID string `json:"obilet_journey_id" gorm:"size:100;uniqueIndex:idx_route_journey"`

	CompanyName     string `json:"company_name" gorm:"size:200;index;not null"`
	ObiletPartnerID *int   `json:"obilet_partner_id"`

	DepartureTime time.Time  `json:"departure_time" gorm:"index;not null"`
	DepartureDate string     `json:"departure_date" gorm:"size:10;index"` // calendar date in the upstream offset
	ArrivalTime   *time.Time `json:"arrival_time"`
	Duration      int        `json:"duration"`

	OriginalPrice *float64 `json:"original_price" gorm:"type:decimal(10,2)"`
	InternetPrice *float64 `json:"internet_price" gorm:"type:decimal(10,2)"`
	Currency      string   `json:"currency" gorm:"size:3;default:TRY"`

	TotalSeats     *int     `json:"total_seats"`
	AvailableSeats int      `json:"available_seats"`
	OccupancyRate  *float64 `json:"occupancy_rate" gorm:"type:decimal(5,2)"`

	BusType   string `json:"bus_type" gorm:"size:50"`
	BusName   string `json:"bus_name" gorm:"size:100"`
	HasWifi   bool   `json:"has_wifi"`
	HasUSB    bool   `json:"has_usb"`
	HasTV     bool   `json:"has_tv"`
	HasSocket bool   `json:"has_socket"`

	ScrapedAt time.Time `json:"scraped_at" gorm:"index;not null"`
}

const (
	AlertPriceDrop     = "price_drop"
	AlertPriceIncrease = "price_increase"
	AlertNewJourney    = "new_journey"

	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// PriceAlert is one subscriber-facing alert produced by a sync.
type PriceAlert struct {
	ID                    uint       `json:"id" gorm:"primaryKey"`
	UserID                uint       `json:"user_id" gorm:"index;not null"`
	RouteID               uint       `json:"route_id" gorm:"index"`
	AlertType             string     `json:"alert_type" gorm:"size:50;not null"`
	Title                 string     `json:"title" gorm:"size:200;not null"`
	Message               string     `json:"message" gorm:"type:text;not null"`
	CompetitorName        string     `json:"competitor_name" gorm:"size:200"`
	OldPrice              *float64   `json:"old_price" gorm:"type:decimal(10,2)"`
	NewPrice              *float64   `json:"new_price" gorm:"type:decimal(10,2)"`
	PriceChangePercentage *float64   `json:"price_change_percentage" gorm:"type:decimal(7,2)"`
	IsLowestPrice         bool       `json:"is_lowest_price"`
	RouteInfo             string     `json:"route_info" gorm:"size:200"`
	DepartureTime         *time.Time `json:"departure_time"`
	DepartureDate         string     `json:"departure_date" gorm:"size:10"`
	Priority              string     `json:"priority" gorm:"size:20;default:medium"`
	IsRead                bool       `json:"is_read" gorm:"not null;default:false"`
	IsSent                bool       `json:"is_sent" gorm:"default:false"`
	SentAt                *time.Time `json:"sent_at"`
	CreatedAt             time.Time  `json:"created_at" gorm:"index"`
}

// Notification is the in-app inbox entry mirrored from alerts and operator events.
type Notification struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	UserID           uint      `json:"user_id" gorm:"index;not null"`
	Title            string    `json:"title" gorm:"size:200;not null"`
	Message          string    `json:"message" gorm:"type:text;not null"`
	NotificationType string    `json:"notification_type" gorm:"size:50;default:info"`
	Priority         string    `json:"priority" gorm:"size:20;default:normal"`
	IsRead           bool      `json:"is_read" gorm:"not null;default:false"`
	CreatedAt        time.Time `json:"created_at" gorm:"index"`
}
