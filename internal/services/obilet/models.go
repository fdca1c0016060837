package obilet

import (
	"bytes"
	"encoding/json"
	"strings"
)

// JourneysResponse is the body of /json/journeys/{origin}-{destination}/{date}.
type JourneysResponse struct {
	Journeys []Journey `json:"journeys"`
	Error    any       `json:"error,omitempty"`
}

// Journey is one fare listing as reported upstream. Nothing here is persisted
// directly; the scraper maps it to models.Journey.
type Journey struct {
	ID                 ListingID       `json:"id"`
	PartnerID          *int            `json:"partner-id"`
	PartnerName        string          `json:"partner-name"`
	BusType            string          `json:"bus-type"`
	TotalSeats         *int            `json:"total-seats"`
	AvailableSeats     *int            `json:"available-seats"`
	PartnerRating      *float64        `json:"partner-rating"`
	PartnerRouteRating *float64        `json:"partner-route-rating"`
	Features           json.RawMessage `json:"features"`
	Journey            JourneyDetail   `json:"journey"`
}

// JourneyDetail is the timing and pricing block of a listing.
type JourneyDetail struct {
	Origin        string   `json:"origin"`
	Destination   string   `json:"destination"`
	Departure     string   `json:"departure"`
	Arrival       string   `json:"arrival"`
	OriginalPrice *float64 `json:"original-price"`
	InternetPrice *float64 `json:"internet-price"`
	Currency      string   `json:"currency"`
	BusName       string   `json:"bus-name"`
	PeronNo       string   `json:"peron-no"`
	Stops         []Stop   `json:"stops"`
}

// Stop is one stop on a listing's itinerary.
type Stop struct {
	Name          string `json:"name"`
	Time          string `json:"time"`
	IsOrigin      bool   `json:"is-origin"`
	IsDestination bool   `json:"is-destination"`
}

// ListingID accepts both numeric and string ids.
type ListingID string

func (id *ListingID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ListingID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ListingID(n.String())
	return nil
}

func (id ListingID) String() string { return string(id) }

// Price is the online sale price; the counter price is informational only.
func (j Journey) Price() *float64 { return j.Journey.InternetPrice }

func (j Journey) Seats() int {
	if j.AvailableSeats == nil {
		return 0
	}
	return *j.AvailableSeats
}

// Amenities are the on-board features advertised by the partner.
type Amenities struct {
	Wifi   bool
	USB    bool
	TV     bool
	Socket bool
}

// Amenities reads the features field, which upstream sends either as a list
// of names, a list of {name} objects, or a name->bool map.
func (j Journey) Amenities() Amenities {
	var a Amenities
	for _, name := range featureNames(j.Features) {
		n := strings.ToLower(name)
		switch {
		case strings.Contains(n, "wifi"), strings.Contains(n, "wi-fi"):
			a.Wifi = true
		case strings.Contains(n, "usb"):
			a.USB = true
		case strings.Contains(n, "tv"), strings.Contains(n, "ekran"):
			a.TV = true
		case strings.Contains(n, "priz"), strings.Contains(n, "şarj"):
			a.Socket = true
		}
	}
	return a
}

func featureNames(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names
	}

	var objects []map[string]any
	if err := json.Unmarshal(raw, &objects); err == nil {
		for _, o := range objects {
			for _, key := range []string{"name", "description", "title"} {
				if v, ok := o[key].(string); ok {
					names = append(names, v)
					break
				}
			}
		}
		return names
	}

	var flags map[string]any
	if err := json.Unmarshal(raw, &flags); err == nil {
		for k, v := range flags {
			if on, _ := v.(bool); on {
				names = append(names, k)
			}
		}
	}
	return names
}
