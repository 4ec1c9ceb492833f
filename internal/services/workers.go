package services

import (
	"fmt"

	"tripmesh/internal/worker"
	"tripmesh/pkg"
)

// NewHarness binds the TravelService handler for w to a worker harness
func (s *TravelService) NewHarness(bus worker.Bus, w pkg.WorkerType, cfg worker.Config) (*worker.Harness, error) {
	switch w {
	case pkg.WorkerForecast:
		return worker.New[pkg.ForecastInput, pkg.ForecastOutput](bus, worker.HandlerFunc[pkg.ForecastInput, pkg.ForecastOutput](s.Forecast), cfg), nil
	case pkg.WorkerRouting:
		return worker.New[pkg.RoutingInput, pkg.RoutingOutput](bus, worker.HandlerFunc[pkg.RoutingInput, pkg.RoutingOutput](s.Route), cfg), nil
	case pkg.WorkerCost:
		return worker.New[pkg.CostInput, pkg.CostOutput](bus, worker.HandlerFunc[pkg.CostInput, pkg.CostOutput](s.Cost), cfg), nil
	case pkg.WorkerPlan:
		return worker.New[pkg.PlanInput, pkg.PlanOutput](bus, worker.HandlerFunc[pkg.PlanInput, pkg.PlanOutput](s.Plan), cfg), nil
	case pkg.WorkerSynthesis:
		return worker.New[pkg.SynthesisInput, pkg.SynthesisOutput](bus, worker.HandlerFunc[pkg.SynthesisInput, pkg.SynthesisOutput](s.Synthesize), cfg), nil
	}
	return nil, fmt.Errorf("no handler for worker type %q", w)
}

// DomainWorkers are the worker types TravelService can serve
var DomainWorkers = []pkg.WorkerType{
	pkg.WorkerForecast, pkg.WorkerRouting, pkg.WorkerCost, pkg.WorkerPlan, pkg.WorkerSynthesis,
}
