package pkg

// RequestPayload is implemented by every typed worker input.
// Worker binds the payload shape to the worker type that accepts it.
type RequestPayload interface {
	Worker() WorkerType
}

// ForecastInput is the request payload for the forecast worker
type ForecastInput struct {
	Destination string   `json:"destination"`
	Dates       []string `json:"dates"`
}

func (ForecastInput) Worker() WorkerType { return WorkerForecast }

// RoutingInput is the request payload for the routing worker
type RoutingInput struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Mode        string `json:"mode,omitempty"`
}

func (RoutingInput) Worker() WorkerType { return WorkerRouting }

// CostInput is the request payload for the cost worker
type CostInput struct {
	Destination string   `json:"destination"`
	Dates       []string `json:"dates"`
	Travelers   int      `json:"travelers"`
	BudgetRange string   `json:"budget_range,omitempty"`
}

func (CostInput) Worker() WorkerType { return WorkerCost }

// PlanInput is the request payload for the plan worker
type PlanInput struct {
	Destination string   `json:"destination"`
	Dates       []string `json:"dates"`
	Interests   []string `json:"interests,omitempty"`
}

func (PlanInput) Worker() WorkerType { return WorkerPlan }

// SynthesisInput carries everything collected in a round to the synthesis worker
type SynthesisInput struct {
	Params  TaskParams                    `json:"params"`
	Outputs map[WorkerType]map[string]any `json:"outputs"`
}

func (SynthesisInput) Worker() WorkerType { return WorkerSynthesis }

// ForecastDay is one day of forecast
type ForecastDay struct {
	Date      string  `json:"date"`
	Condition string  `json:"condition"`
	HighC     float64 `json:"high_c"`
	LowC      float64 `json:"low_c"`
}

// ForecastOutput is the forecast worker result
type ForecastOutput struct {
	Destination string        `json:"destination"`
	Days        []ForecastDay `json:"days"`
}

// RoutingOutput is the routing worker result
type RoutingOutput struct {
	Origin          string  `json:"origin"`
	Destination     string  `json:"destination"`
	Mode            string  `json:"mode"`
	DistanceKm      float64 `json:"distance_km"`
	DurationMinutes float64 `json:"duration_minutes"`
}

// CostOutput is the cost worker result
type CostOutput struct {
	Currency     string             `json:"currency"`
	Total        float64            `json:"total"`
	PerTraveler  float64            `json:"per_traveler"`
	Breakdown    map[string]float64 `json:"breakdown"`
	WithinBudget bool               `json:"within_budget"`
}

// DayPlan lists the activities for one date
type DayPlan struct {
	Date       string   `json:"date"`
	Activities []string `json:"activities"`
}

// PlanOutput is the plan worker result
type PlanOutput struct {
	Days []DayPlan `json:"days"`
}

// SynthesisOutput is the synthesis worker result
type SynthesisOutput struct {
	Itinerary  string   `json:"itinerary"`
	Highlights []string `json:"highlights"`
	Warnings   []string `json:"warnings,omitempty"`
}

// TaskParams are the task input fields tracked across a session
type TaskParams struct {
	Query       string   `json:"query"`
	Destination string   `json:"destination,omitempty"`
	Origin      string   `json:"origin,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Dates       []string `json:"dates,omitempty"`
	Travelers   int      `json:"travelers,omitempty"`
	BudgetRange string   `json:"budget_range,omitempty"`
	Interests   []string `json:"interests,omitempty"`

	// Focus restricts a full routing to the listed primary workers
	Focus []WorkerType `json:"focus,omitempty"`
}

// InputFor builds the typed request payload for a primary worker.
// It returns nil for worker types that are not fed from task parameters.
func (p TaskParams) InputFor(w WorkerType) RequestPayload {
	switch w {
	case WorkerForecast:
		return ForecastInput{Destination: p.Destination, Dates: p.Dates}
	case WorkerRouting:
		return RoutingInput{Origin: p.Origin, Destination: p.Destination, Mode: p.Mode}
	case WorkerCost:
		return CostInput{Destination: p.Destination, Dates: p.Dates, Travelers: p.Travelers, BudgetRange: p.BudgetRange}
	case WorkerPlan:
		return PlanInput{Destination: p.Destination, Dates: p.Dates, Interests: p.Interests}
	}
	return nil
}

// ParamsUpdate is a partial change to TaskParams.
// A nil field means "no change".
type ParamsUpdate struct {
	Destination *string   `json:"destination,omitempty"`
	Origin      *string   `json:"origin,omitempty"`
	Mode        *string   `json:"mode,omitempty"`
	Dates       *[]string `json:"dates,omitempty"`
	Travelers   *int      `json:"travelers,omitempty"`
	BudgetRange *string   `json:"budget_range,omitempty"`
	Interests   *[]string `json:"interests,omitempty"`
}

// Fields lists the names of the fields this update sets
func (u ParamsUpdate) Fields() []string {
	var fields []string
	if u.Destination != nil {
		fields = append(fields, "destination")
	}
	if u.Origin != nil {
		fields = append(fields, "origin")
	}
	if u.Mode != nil {
		fields = append(fields, "mode")
	}
	if u.Dates != nil {
		fields = append(fields, "dates")
	}
	if u.Travelers != nil {
		fields = append(fields, "travelers")
	}
	if u.BudgetRange != nil {
		fields = append(fields, "budget_range")
	}
	if u.Interests != nil {
		fields = append(fields, "interests")
	}
	return fields
}

// IsEmpty reports whether the update changes nothing
func (u ParamsUpdate) IsEmpty() bool {
	return len(u.Fields()) == 0
}

// Apply returns a copy of p with every set field of u applied
func (p TaskParams) Apply(u ParamsUpdate) TaskParams {
	if u.Destination != nil {
		p.Destination = *u.Destination
	}
	if u.Origin != nil {
		p.Origin = *u.Origin
	}
	if u.Mode != nil {
		p.Mode = *u.Mode
	}
	if u.Dates != nil {
		p.Dates = append([]string(nil), (*u.Dates)...)
	}
	if u.Travelers != nil {
		p.Travelers = *u.Travelers
	}
	if u.BudgetRange != nil {
		p.BudgetRange = *u.BudgetRange
	}
	if u.Interests != nil {
		p.Interests = append([]string(nil), (*u.Interests)...)
	}
	return p
}
