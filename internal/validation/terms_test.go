package validation

import (
	"errors"
	"testing"
	"time"

	"partnerlink/internal/model"
)

func TestValidateTerms(t *testing.T) {
	now := time.Now()
	later := now.Add(30 * 24 * time.Hour)

	tests := []struct {
		name  string
		terms model.ProposalTerms
		valid bool
	}{
		{
			name: "valid terms",
			terms: model.ProposalTerms{
				ApplicableBusinessID: 2,
				DiscountValue:        500,
				TotalQuantity:        10,
				StartDate:            now,
				EndDate:              later,
			},
			valid: true,
		},
		{
			name: "single day window",
			terms: model.ProposalTerms{
				ApplicableBusinessID: 2,
				DiscountValue:        1,
				TotalQuantity:        1,
				StartDate:            now,
				EndDate:              now,
			},
			valid: true,
		},
		{
			name: "zero discount",
			terms: model.ProposalTerms{
				ApplicableBusinessID: 2,
				DiscountValue:        0,
				TotalQuantity:        10,
				StartDate:            now,
				EndDate:              later,
			},
			valid: false,
		},
		{
			name: "negative discount",
			terms: model.ProposalTerms{
				ApplicableBusinessID: 2,
				DiscountValue:        -100,
				TotalQuantity:        10,
				StartDate:            now,
				EndDate:              later,
			},
			valid: false,
		},
		{
			name: "zero quantity",
			terms: model.ProposalTerms{
				ApplicableBusinessID: 2,
				DiscountValue:        500,
				TotalQuantity:        0,
				StartDate:            now,
				EndDate:              later,
			},
			valid: false,
		},
		{
			name: "missing applicable business",
			terms: model.ProposalTerms{
				DiscountValue: 500,
				TotalQuantity: 10,
				StartDate:     now,
				EndDate:       later,
			},
			valid: false,
		},
		{
			name: "missing dates",
			terms: model.ProposalTerms{
				ApplicableBusinessID: 2,
				DiscountValue:        500,
				TotalQuantity:        10,
			},
			valid: false,
		},
		{
			name: "start after end",
			terms: model.ProposalTerms{
				ApplicableBusinessID: 2,
				DiscountValue:        500,
				TotalQuantity:        10,
				StartDate:            later,
				EndDate:              now,
			},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTerms(tt.terms)
			if tt.valid && err != nil {
				t.Errorf("ValidateTerms() = %v, want nil", err)
			}
			if !tt.valid {
				if err == nil {
					t.Fatal("ValidateTerms() = nil, want error")
				}
				if !errors.Is(err, ErrInvalidTerms) {
					t.Errorf("ValidateTerms() = %v, want ErrInvalidTerms", err)
				}
			}
		})
	}
}
