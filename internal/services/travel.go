package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"tripmesh/pkg"
)

// City represents a destination in the mock catalog
type City struct {
	Name        string              `json:"name"`
	Country     string              `json:"country"`
	Lat         float64             `json:"lat"`
	Lon         float64             `json:"lon"`
	BaseTempC   float64             `json:"base_temp_c"`
	NightlyRate float64             `json:"nightly_rate"`
	DailySpend  float64             `json:"daily_spend"`
	Attractions map[string][]string `json:"attractions"`
}

// TravelService answers the domain workers with deterministic mock data
type TravelService struct {
	cities map[string]City
}

// NewTravelService creates service with simple mock data
func NewTravelService() *TravelService {
	cities := []City{
		{
			Name: "Lisbon", Country: "Portugal", Lat: 38.72, Lon: -9.14, BaseTempC: 21, NightlyRate: 110, DailySpend: 60,
			Attractions: map[string][]string{
				"food":    {"Time Out Market", "Pastéis de Belém"},
				"museums": {"Gulbenkian Museum", "MAAT"},
				"history": {"Belém Tower", "São Jorge Castle"},
			},
		},
		{
			Name: "Porto", Country: "Portugal", Lat: 41.15, Lon: -8.61, BaseTempC: 18, NightlyRate: 90, DailySpend: 50,
			Attractions: map[string][]string{
				"food":    {"Bolhão Market", "Port wine cellars"},
				"history": {"Clérigos Tower", "Livraria Lello"},
			},
		},
		{
			Name: "Paris", Country: "France", Lat: 48.86, Lon: 2.35, BaseTempC: 16, NightlyRate: 180, DailySpend: 90,
			Attractions: map[string][]string{
				"food":    {"Marché d'Aligre", "Le Marais bistros"},
				"museums": {"Louvre", "Musée d'Orsay"},
				"history": {"Notre-Dame", "Sainte-Chapelle"},
			},
		},
		{
			Name: "Kyoto", Country: "Japan", Lat: 35.01, Lon: 135.77, BaseTempC: 17, NightlyRate: 140, DailySpend: 70,
			Attractions: map[string][]string{
				"food":    {"Nishiki Market", "Pontocho alley"},
				"history": {"Fushimi Inari", "Kinkaku-ji"},
				"nature":  {"Arashiyama bamboo grove", "Philosopher's Path"},
			},
		},
		{
			Name: "Osaka", Country: "Japan", Lat: 34.69, Lon: 135.50, BaseTempC: 18, NightlyRate: 120, DailySpend: 65,
			Attractions: map[string][]string{
				"food":    {"Dotonbori", "Kuromon Market"},
				"history": {"Osaka Castle"},
			},
		},
	}

	s := &TravelService{cities: make(map[string]City, len(cities))}
	for _, c := range cities {
		s.cities[strings.ToLower(c.Name)] = c
	}
	return s
}

// City looks up a destination by name
func (s *TravelService) City(name string) (City, bool) {
	c, ok := s.cities[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

var conditions = []string{"sunny", "partly cloudy", "cloudy", "light rain", "showers"}

// Forecast returns a daily forecast for the requested dates
func (s *TravelService) Forecast(ctx context.Context, in pkg.ForecastInput) (pkg.ForecastOutput, error) {
	if err := ctx.Err(); err != nil {
		return pkg.ForecastOutput{}, err
	}
	base := 20.0
	if c, ok := s.City(in.Destination); ok {
		base = c.BaseTempC
	}

	out := pkg.ForecastOutput{Destination: in.Destination}
	for _, date := range in.Dates {
		h := seed(in.Destination, date)
		out.Days = append(out.Days, pkg.ForecastDay{
			Date:      date,
			Condition: conditions[h%uint32(len(conditions))],
			HighC:     base + float64(h%7),
			LowC:      base - 6 + float64(h%4),
		})
	}
	return out, nil
}

var speedsKmh = map[string]float64{"drive": 80, "train": 120, "flight": 700, "bus": 60}

// Route returns distance and travel time between two catalog cities
func (s *TravelService) Route(ctx context.Context, in pkg.RoutingInput) (pkg.RoutingOutput, error) {
	if err := ctx.Err(); err != nil {
		return pkg.RoutingOutput{}, err
	}
	from, ok := s.City(in.Origin)
	if !ok {
		return pkg.RoutingOutput{}, fmt.Errorf("no route data for origin %q", in.Origin)
	}
	to, ok := s.City(in.Destination)
	if !ok {
		return pkg.RoutingOutput{}, fmt.Errorf("no route data for destination %q", in.Destination)
	}

	distance := haversineKm(from.Lat, from.Lon, to.Lat, to.Lon)
	mode := strings.ToLower(in.Mode)
	if _, ok := speedsKmh[mode]; !ok {
		mode = "drive"
		if distance > 1500 {
			mode = "flight"
		}
	}
	return pkg.RoutingOutput{
		Origin:          from.Name,
		Destination:     to.Name,
		Mode:            mode,
		DistanceKm:      math.Round(distance),
		DurationMinutes: math.Round(distance / speedsKmh[mode] * 60),
	}, nil
}

var budgetCaps = map[string]float64{"budget": 120, "moderate": 250, "luxury": math.Inf(1)}

// Cost estimates the trip cost per traveler and in total
func (s *TravelService) Cost(ctx context.Context, in pkg.CostInput) (pkg.CostOutput, error) {
	if err := ctx.Err(); err != nil {
		return pkg.CostOutput{}, err
	}
	if in.Travelers <= 0 {
		return pkg.CostOutput{}, fmt.Errorf("travelers must be positive, got %d", in.Travelers)
	}
	nightly, daily := 120.0, 60.0
	if c, ok := s.City(in.Destination); ok {
		nightly, daily = c.NightlyRate, c.DailySpend
	}

	if len(in.Dates) == 0 {
		return pkg.CostOutput{}, fmt.Errorf("no dates to price")
	}
	days := float64(len(in.Dates))
	rooms := math.Ceil(float64(in.Travelers) / 2)
	lodging := nightly * days * rooms
	spend := daily * days * float64(in.Travelers)
	total := lodging + spend

	perDay := total / days / float64(in.Travelers)
	within := true
	if limit, ok := budgetCaps[strings.ToLower(in.BudgetRange)]; ok {
		within = perDay <= limit
	}
	return pkg.CostOutput{
		Currency:     "EUR",
		Total:        math.Round(total),
		PerTraveler:  math.Round(total / float64(in.Travelers)),
		Breakdown:    map[string]float64{"lodging": math.Round(lodging), "daily_spend": math.Round(spend)},
		WithinBudget: within,
	}, nil
}

// Plan assigns attractions to each day, preferring the traveler's interests
func (s *TravelService) Plan(ctx context.Context, in pkg.PlanInput) (pkg.PlanOutput, error) {
	if err := ctx.Err(); err != nil {
		return pkg.PlanOutput{}, err
	}
	var pool []string
	if c, ok := s.City(in.Destination); ok {
		for _, interest := range in.Interests {
			pool = append(pool, c.Attractions[strings.ToLower(interest)]...)
		}
		if len(pool) == 0 {
			for _, list := range c.Attractions {
				pool = append(pool, list...)
			}
		}
	}
	if len(pool) == 0 {
		pool = []string{"Old town walking tour", "Local market visit"}
	}

	out := pkg.PlanOutput{}
	for i, date := range in.Dates {
		out.Days = append(out.Days, pkg.DayPlan{
			Date:       date,
			Activities: []string{pool[(2*i)%len(pool)], pool[(2*i+1)%len(pool)]},
		})
	}
	return out, nil
}

// Synthesize merges the collected outputs into an itinerary
func (s *TravelService) Synthesize(ctx context.Context, in pkg.SynthesisInput) (pkg.SynthesisOutput, error) {
	if err := ctx.Err(); err != nil {
		return pkg.SynthesisOutput{}, err
	}
	p := in.Params
	out := pkg.SynthesisOutput{
		Itinerary: fmt.Sprintf("%d-day trip to %s for %d", len(p.Dates), p.Destination, max(p.Travelers, 1)),
	}
	if r, ok := in.Outputs[pkg.WorkerRouting]; ok {
		out.Highlights = append(out.Highlights, fmt.Sprintf("Travel from %v by %v (%v km)", r["origin"], r["mode"], r["distance_km"]))
	}
	if c, ok := in.Outputs[pkg.WorkerCost]; ok {
		out.Highlights = append(out.Highlights, fmt.Sprintf("Estimated total %v %v", c["total"], c["currency"]))
		if within, ok := c["within_budget"].(bool); ok && !within {
			out.Warnings = append(out.Warnings, "Estimated cost exceeds the requested budget range")
		}
	} else {
		out.Warnings = append(out.Warnings, "Cost estimate unavailable")
	}
	if f, ok := in.Outputs[pkg.WorkerForecast]; ok {
		if days, ok := f["days"].([]any); ok {
			for _, d := range days {
				if day, ok := d.(map[string]any); ok && strings.Contains(fmt.Sprint(day["condition"]), "rain") {
					out.Warnings = append(out.Warnings, fmt.Sprintf("Rain expected on %v", day["date"]))
				}
			}
		}
	}
	if _, ok := in.Outputs[pkg.WorkerPlan]; !ok {
		out.Warnings = append(out.Warnings, "Day plan unavailable")
	}
	return out, nil
}

func seed(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		_, _ = h.Write([]byte(strings.ToLower(p)))
	}
	return h.Sum32()
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
