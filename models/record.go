package models

// ScrapedRecord is one unit of crawler output: the boundary value handed to
// the reconciliation pipeline. Structural fields are pointers so an absent
// value is distinguishable from a real zero (studio = 0 bedrooms).
type ScrapedRecord struct {
	Site          string `json:"site"`
	PropertyTitle string `json:"property_title,omitempty"`
	Listname      string `json:"listname"`
	Bedrooms      *int   `json:"bedrooms,omitempty"`
	Bathrooms     *int   `json:"bathrooms,omitempty"`
	SqFt          *int   `json:"sqft,omitempty"`
	SharedRoom    *bool  `json:"shared_room,omitempty"`
	Amenities     string `json:"amenities,omitempty"`
	Availability  string `json:"availability,omitempty"`
	PriceLow      int    `json:"price_low,omitempty"`
	PriceHigh     int    `json:"price_high,omitempty"`
	PreDealPrice  int    `json:"pre_deal_price,omitempty"`
	Deals         string `json:"deals,omitempty"`

	// Raw is the original payload as received, kept for failure logging.
	Raw string `json:"-"`
}

// Observation returns the record's market-state fields.
func (r *ScrapedRecord) Observation() Observation {
	return Observation{
		Availability: r.Availability,
		PriceLow:     r.PriceLow,
		PriceHigh:    r.PriceHigh,
		PreDealPrice: r.PreDealPrice,
		Deals:        r.Deals,
	}
}
