package escrow

// Stats is an immutable point-in-time copy of the aggregate counters.
// Running sums are decimal strings; they are exact integer totals of
// minor-unit amounts.
type Stats struct {
	TotalDeposits           uint64 `json:"totalDeposits"`
	TotalWithdrawals        uint64 `json:"totalWithdrawals"`
	TotalProviderWithdraws  uint64 `json:"totalProviderWithdraws"`
	TotalBatchPayments      uint64 `json:"totalBatchPayments"`
	TotalVerifierUpdates    uint64 `json:"totalVerifierUpdates"`
	TotalPauses             uint64 `json:"totalPauses"`
	TotalUnpauses           uint64 `json:"totalUnpauses"`

	TotalDepositAmount          string `json:"totalDepositAmount"`
	TotalWithdrawAmount         string `json:"totalWithdrawAmount"`
	TotalProviderWithdrawAmount string `json:"totalProviderWithdrawAmount"`
	TotalPaymentVolume          string `json:"totalPaymentVolume"`
	AvgPaymentSize              string `json:"avgPaymentSize"`

	TotalAPICalls uint64 `json:"totalApiCalls"`

	UniqueUsers     int `json:"uniqueUsers"`
	UniqueProviders int `json:"uniqueProviders"`

	HighestBlock uint64 `json:"highestBlock"`
}

// CountOfKind returns the counter for a single event kind.
func (s Stats) CountOfKind(kind EventKind) uint64 {
	switch kind {
	case KindDeposit:
		return s.TotalDeposits
	case KindWithdraw:
		return s.TotalWithdrawals
	case KindProviderWithdraw:
		return s.TotalProviderWithdraws
	case KindBatchPayment:
		return s.TotalBatchPayments
	case KindVerifierUpdated:
		return s.TotalVerifierUpdates
	case KindPaused:
		return s.TotalPauses
	case KindUnpaused:
		return s.TotalUnpauses
	default:
		return 0
	}
}
