package models

import (
	"time"

	"github.com/google/uuid"
)

// TripStatus represents the lifecycle of a train trip
type TripStatus string

const (
	TripStatusScheduled  TripStatus = "scheduled"
	TripStatusInProgress TripStatus = "in_progress"
	TripStatusCompleted  TripStatus = "completed"
	TripStatusCancelled  TripStatus = "cancelled"
)

// Trip is a concrete run of a train over a route. Its CRUD lives in the catalog;
// the reservation core only reads it and adjusts delays/status.
type Trip struct {
	ID                    uuid.UUID     `json:"id" db:"id"`
	TrainID               uuid.UUID     `json:"train_id" db:"train_id"`
	RouteID               uuid.UUID     `json:"route_id" db:"route_id"`
	DepartureTime         time.Time     `json:"departure_time" db:"departure_time"`
	ArrivalTime           time.Time     `json:"arrival_time" db:"arrival_time"`
	DepartureDelayMinutes int           `json:"departure_delay_minutes" db:"departure_delay_minutes"`
	ArrivalDelayMinutes   int           `json:"arrival_delay_minutes" db:"arrival_delay_minutes"`
	Status                TripStatus    `json:"status" db:"status"`
	CancellationReason    *string       `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CancelledAt           *time.Time    `json:"cancelled_at,omitempty" db:"cancelled_at"`
	UpdatedAt             time.Time     `json:"updated_at" db:"updated_at"`
	Stations              []TripStation `json:"stations" db:"-"`
}

// TripStation is one stop of the trip's route in travel order
type TripStation struct {
	StationID  uuid.UUID `json:"station_id" db:"station_id"`
	Name       string    `json:"name" db:"name"`
	StopIndex  int       `json:"stop_index" db:"stop_index"`
	DistanceKm float64   `json:"distance_km" db:"distance_km"` // cumulative from origin
}

// IsBookable reports whether new holds may be placed on the trip
func (t *Trip) IsBookable(now time.Time) bool {
	return t.Status == TripStatusScheduled && now.Before(t.DepartureTime.Add(time.Duration(t.DepartureDelayMinutes)*time.Minute))
}

// ResolveSegment maps a pair of station ids to a station-index segment
func (t *Trip) ResolveSegment(fromStationID, toStationID uuid.UUID) (Segment, error) {
	from, to := -1, -1
	for _, st := range t.Stations {
		if st.StationID == fromStationID {
			from = st.StopIndex
		}
		if st.StationID == toStationID {
			to = st.StopIndex
		}
	}
	seg := Segment{FromIndex: from, ToIndex: to}
	if from < 0 || to < 0 || !seg.Valid() {
		return Segment{}, ErrInvalidSegment
	}
	return seg, nil
}

// FullSegment spans the whole route
func (t *Trip) FullSegment() Segment {
	if len(t.Stations) == 0 {
		return Segment{}
	}
	first, last := t.Stations[0].StopIndex, t.Stations[0].StopIndex
	for _, st := range t.Stations {
		if st.StopIndex < first {
			first = st.StopIndex
		}
		if st.StopIndex > last {
			last = st.StopIndex
		}
	}
	return Segment{FromIndex: first, ToIndex: last}
}

// SegmentRatio is the share of the route a segment covers, by distance when known,
// otherwise by number of legs.
func (t *Trip) SegmentRatio(seg Segment) float64 {
	full := t.FullSegment()
	if !full.Valid() || !seg.Valid() {
		return 1
	}

	dist := make(map[int]float64, len(t.Stations))
	for _, st := range t.Stations {
		dist[st.StopIndex] = st.DistanceKm
	}
	total := dist[full.ToIndex] - dist[full.FromIndex]
	part := dist[seg.ToIndex] - dist[seg.FromIndex]
	if total > 0 && part > 0 {
		return part / total
	}

	return float64(seg.ToIndex-seg.FromIndex) / float64(full.ToIndex-full.FromIndex)
}
