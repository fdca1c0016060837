package models

import "time"

// PriceHistory stores one raw price observation per listing per run
// so other systems can build series later.
type PriceHistory struct {
	ID                  uint      `json:"id" gorm:"primaryKey"`
	RouteID             uint      `json:"route_id" gorm:"index;not null"`
	CompanyName         string    `json:"company_name" gorm:"size:200;not null"`
	ObiletPartnerID     *int      `json:"obilet_partner_id"`
	ObiletJourneyID     string    `json:"obilet_journey_id" gorm:"size:100;index"`
	Price               *float64  `json:"price" gorm:"type:decimal(10,2)"`
	Currency            string    `json:"currency" gorm:"size:3;default:TRY"`
	DepartureDate       string    `json:"departure_date" gorm:"size:10;index;not null"`
	DaysBeforeDeparture int       `json:"days_before_departure"`
	AvailableSeats      int       `json:"available_seats"`
	TotalSeats          *int      `json:"total_seats"`
	OccupancyRate       *float64  `json:"occupancy_rate" gorm:"type:decimal(5,2)"`
	RecordedAt          time.Time `json:"recorded_at" gorm:"index;not null"`
}
