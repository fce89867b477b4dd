package entitlement

import (
	"errors"
	"strings"
	"time"

	"allinone/internal/models"
)

const DayPassDuration = 24 * time.Hour

var ErrPriceNotConfigured = errors.New("price not configured for plan")

// PriceMap is the static mapping between processor price ids and plans.
type PriceMap struct {
	Day     string
	Monthly string
	Yearly  string
}

func NewPriceMap(day, monthly, yearly string) PriceMap {
	return PriceMap{
		Day:     strings.TrimSpace(day),
		Monthly: strings.TrimSpace(monthly),
		Yearly:  strings.TrimSpace(yearly),
	}
}

// PlanForPrice maps a purchased price to the entitlement it grants. A day
// pass runs for 24 hours from purchasedAt. Unknown prices report false.
func (m PriceMap) PlanForPrice(priceID string, purchasedAt time.Time) (models.Entitlement, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return models.Entitlement{}, false
	}

	switch priceID {
	case m.Day:
		expires := purchasedAt.UTC().Add(DayPassDuration)
		return models.Entitlement{
			Plan:          models.PlanDayPass,
			PlanStatus:    models.PlanStatusActive,
			PlanExpiresAt: &expires,
		}, true
	case m.Monthly:
		return models.Entitlement{Plan: models.PlanProMonthly, PlanStatus: models.PlanStatusActive}, true
	case m.Yearly:
		return models.Entitlement{Plan: models.PlanProYearly, PlanStatus: models.PlanStatusActive}, true
	}
	return models.Entitlement{}, false
}

// PriceForPlan returns the checkout price for a paid plan.
func (m PriceMap) PriceForPlan(plan models.Plan) (string, error) {
	var price string
	switch plan {
	case models.PlanDayPass:
		price = m.Day
	case models.PlanProMonthly:
		price = m.Monthly
	case models.PlanProYearly:
		price = m.Yearly
	}
	if !strings.HasPrefix(price, "price_") {
		return "", ErrPriceNotConfigured
	}
	return price, nil
}
