package dto

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// PaymentInfoResponse tells the advertiser where to send the deposit.
type PaymentInfoResponse struct {
	DealID        string `json:"deal_id"`
	EscrowAddress string `json:"escrow_address"`
	AmountTON     string `json:"amount_ton"`
	Status        string `json:"status"`
}
