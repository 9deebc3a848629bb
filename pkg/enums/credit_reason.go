package enums

import "fmt"

// CreditReason labels every ledger mutation.
type CreditReason string

const (
	CreditReasonGrant    CreditReason = "grant"
	CreditReasonDebit    CreditReason = "debit"
	CreditReasonRefund   CreditReason = "refund"
	CreditReasonPurchase CreditReason = "purchase"
)

var validCreditReasons = []CreditReason{
	CreditReasonGrant,
	CreditReasonDebit,
	CreditReasonRefund,
	CreditReasonPurchase,
}

// String implements fmt.Stringer.
func (r CreditReason) String() string {
	return string(r)
}

// IsValid reports whether the value is a known CreditReason.
func (r CreditReason) IsValid() bool {
	for _, candidate := range validCreditReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseCreditReason converts raw input into a CreditReason.
func ParseCreditReason(value string) (CreditReason, error) {
	for _, candidate := range validCreditReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid credit reason %q", value)
}
