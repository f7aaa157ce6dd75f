// Package stats derives category counters and summary facts from journal events.
package stats

import (
	"time"

	"github.com/PratikDhanave/journal-sync-service/internal/models"
)

// Category is one of the four derived counters.
type Category string

const (
	CategoryNone        Category = ""
	CategoryJump        Category = "jump"
	CategoryCombat      Category = "combat"
	CategoryTrading     Category = "trading"
	CategoryExploration Category = "exploration"
)

// Precedence is the fixed order used when classifying a type.
var Precedence = []Category{CategoryJump, CategoryCombat, CategoryTrading, CategoryExploration}

// Membership lists. Tests assert they are pairwise disjoint.
var Membership = map[Category][]string{
	CategoryJump: {
		"FSDJump", "CarrierJump", "StartJump", "SupercruiseEntry", "SupercruiseExit",
	},
	CategoryCombat: {
		"Bounty", "CapShipBond", "Died", "EscapeInterdiction", "FactionKillBond", "FighterDestroyed",
		"HullDamage", "Interdicted", "Interdiction", "PVPKill", "ShieldState", "UnderAttack",
	},
	CategoryTrading: {
		"BuyTradeData", "CollectCargo", "EjectCargo", "MarketBuy", "MarketSell", "MiningRefined",
		"CargoDepot", "Market",
	},
	CategoryExploration: {
		"CodexEntry", "DiscoveryScan", "FSSAllBodiesFound", "FSSDiscoveryScan", "FSSSignalDiscovered",
		"MultiSellExplorationData", "NavBeaconScan", "SAAScanComplete", "SAASignalsFound", "Scan",
		"SellExplorationData",
	},
}

var lookup = buildLookup()

func buildLookup() map[string]Category {
	m := make(map[string]Category)
	// reverse precedence so the higher-precedence category is written last and wins
	for i := len(Precedence) - 1; i >= 0; i-- {
		c := Precedence[i]
		for _, t := range Membership[c] {
			m[t] = c
		}
	}
	return m
}

// Classify returns the category of an event type, or CategoryNone.
func Classify(eventType string) Category {
	return lookup[eventType]
}

// ComputeStats is a pure function of the event multiset: input order never matters.
func ComputeStats(events []models.Event) models.EventStats {
	acc := NewAccumulator()
	acc.Add(events...)
	return acc.Snapshot()
}

// Accumulator maintains EventStats incrementally. It is not safe for concurrent use.
// The caller is responsible for only adding each event once.
type Accumulator struct {
	total   int
	types   map[string]int
	cats    map[Category]int
	systems map[string]struct{}
	first   time.Time
	last    time.Time
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		types:   make(map[string]int),
		cats:    make(map[Category]int),
		systems: make(map[string]struct{}),
	}
}

// Add folds events into the running totals.
func (a *Accumulator) Add(events ...models.Event) {
	for _, e := range events {
		a.total++
		a.types[e.Type]++
		if c := Classify(e.Type); c != CategoryNone {
			a.cats[c]++
		}
		if s := e.SystemName(); s != "" {
			a.systems[s] = struct{}{}
		}
		if e.Timestamp.IsZero() {
			continue
		}
		if a.first.IsZero() || e.Timestamp.Before(a.first) {
			a.first = e.Timestamp
		}
		if a.last.IsZero() || e.Timestamp.After(a.last) {
			a.last = e.Timestamp
		}
	}
}

// Snapshot returns a copy of the current stats.
func (a *Accumulator) Snapshot() models.EventStats {
	types := make(map[string]int, len(a.types))
	for k, v := range a.types {
		types[k] = v
	}
	out := models.EventStats{
		TotalEvents:    a.total,
		EventTypes:     types,
		Jumps:          a.cats[CategoryJump],
		Combat:         a.cats[CategoryCombat],
		Trading:        a.cats[CategoryTrading],
		Exploration:    a.cats[CategoryExploration],
		SystemsVisited: len(a.systems),
	}
	if !a.first.IsZero() {
		first, last := a.first.UTC(), a.last.UTC()
		out.FirstEvent = &first
		out.LastEvent = &last
	}
	return out
}

// LastEventTime returns the chronologically latest timestamp seen, if any.
func (a *Accumulator) LastEventTime() *time.Time {
	if a.last.IsZero() {
		return nil
	}
	t := a.last.UTC()
	return &t
}
