// Package validation содержит проверки входных данных сервиса partnerlink.
package validation

import (
	"errors"

	"partnerlink/internal/model"
)

// ErrInvalidTerms возвращается для условий купона, нарушающих ограничения предметной области.
var ErrInvalidTerms = errors.New("invalid proposal terms")

// ValidateTerms проверяет условия предложения купона: положительная скидка,
// положительное количество, начало действия не позже окончания.
func ValidateTerms(t model.ProposalTerms) error {
	if t.DiscountValue <= 0 {
		return errors.Join(ErrInvalidTerms, errors.New("discount value must be positive"))
	}
	if t.TotalQuantity <= 0 {
		return errors.Join(ErrInvalidTerms, errors.New("total quantity must be positive"))
	}
	if t.ApplicableBusinessID == 0 {
		return errors.Join(ErrInvalidTerms, errors.New("applicable business is required"))
	}
	if t.StartDate.IsZero() || t.EndDate.IsZero() {
		return errors.Join(ErrInvalidTerms, errors.New("start and end dates are required"))
	}
	if t.StartDate.After(t.EndDate) {
		return errors.Join(ErrInvalidTerms, errors.New("start date must not be after end date"))
	}
	return nil
}
