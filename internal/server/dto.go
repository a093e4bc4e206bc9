package server

// Request bodies. Responses reuse the domain types, which carry the JSON
// tags the API schema needs.

type CreatePostRequest struct {
	Title       string `json:"title" example:"Fix flaky CI on main"`
	Description string `json:"description" example:"The e2e suite fails one run in five."`
	BountyPrice int64  `json:"bounty_price" minimum:"1" example:"50000" doc:"Initial bounty in minor currency units"`
}

type VoteRequest struct {
	Direction string `json:"direction" enum:"up,down"`
}

type DonateRequest struct {
	Amount int64 `json:"amount" minimum:"1" doc:"Donation in minor currency units"`
}

type SubmitSolutionRequest struct {
	PostID  string `json:"post_id"`
	Content string `json:"content"`
}

type LinkPayoutAccountRequest struct {
	AccountRef string `json:"account_ref" example:"acct_1a2b3c"`
}

type CheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url" doc:"Hosted checkout page to redirect the payer to"`
}

type VoteResponse struct {
	Outcome   string `json:"outcome" enum:"applied,noop"`
	Upvotes   int    `json:"upvotes"`
	Downvotes int    `json:"downvotes"`
}
