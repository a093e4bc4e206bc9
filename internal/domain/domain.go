package domain

// Visibility states for a bounty post. A post is created as Draft and becomes
// Public exactly once, when its initial payment is confirmed.
const (
	VisibilityDraft  = "draft"
	VisibilityPublic = "public"
)

// Vote directions.
const (
	VoteUp   = "up"
	VoteDown = "down"
)

// Payment session kinds carried in gateway session metadata.
const (
	SessionKindPublish  = "publish"
	SessionKindDonation = "donation"
)

type BountyPost struct {
	ID          string `json:"id"`
	CreatorID   string `json:"creator_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	BountyPrice int64  `json:"bounty_price"`
	Visibility  string `json:"visibility" enum:"draft,public"`
	Upvotes     int    `json:"upvotes"`
	Downvotes   int    `json:"downvotes"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Vote struct {
	PostID    string `json:"post_id"`
	UserID    string `json:"user_id"`
	Direction string `json:"direction" enum:"up,down"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Solution struct {
	ID           string `json:"id"`
	BountyPostID string `json:"bounty_post_id"`
	SubmitterID  string `json:"submitter_id"`
	Content      string `json:"content"`
	Approved     bool   `json:"approved"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// ProcessedEvent marks a gateway session id as already applied. Rows are
// written in the same transaction as the mutation they guard and are never
// updated or deleted.
type ProcessedEvent struct {
	SessionID string `json:"session_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PayoutAccount links a user to their external gateway account reference,
// the destination used when an approved solution is paid out.
type PayoutAccount struct {
	UserID     string `json:"user_id"`
	AccountRef string `json:"account_ref"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
