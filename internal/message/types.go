package message

// Subscribe is sent by a participant to a coordinator to begin receiving
// cohort adverts (§4.1, grounded on beacon_participant.py subscribe_to_coordinator).
type Subscribe struct{}

func (*Subscribe) Kind() Kind { return KindSubscribe }

// SubscribeAccept confirms a Subscribe; the participant is now on the
// coordinator's subscriber list and will receive future CohortAdvert
// messages.
type SubscribeAccept struct{}

func (*SubscribeAccept) Kind() Kind { return KindSubscribeAccept }

// CohortAdvert announces a new cohort a participant may opt into.
type CohortAdvert struct {
	CohortID       string `json:"cohort_id"`
	BTCNetwork     string `json:"btc_network"`
	CohortSize     int    `json:"cohort_size"`
	MinParticipants int   `json:"min_participants"`
}

func (*CohortAdvert) Kind() Kind { return KindCohortAdvert }

// OptIn is a participant's response to a CohortAdvert, carrying the public
// key it wants included in the aggregated key.
type OptIn struct {
	CohortID      string `json:"cohort_id"`
	ParticipantPK string `json:"participant_pk"`
}

func (*OptIn) Kind() Kind { return KindOptIn }

// CohortSet announces a finalized cohort: its frozen key set and the
// resulting Taproot beacon address, in the fixed order used for
// aggregation.
type CohortSet struct {
	CohortID      string   `json:"cohort_id"`
	CohortKeys    []string `json:"cohort_keys"`
	BeaconAddress string   `json:"beacon_address"`
}

func (*CohortSet) Kind() Kind { return KindCohortSet }

// RequestSignature asks the coordinator to record a signature request
// against a cohort. The coordinator only records it; a signing session
// starts when the coordinator calls StartSigningSession.
type RequestSignature struct {
	CohortID string `json:"cohort_id"`
	Data     string `json:"data"`
}

func (*RequestSignature) Kind() Kind { return KindRequestSignature }

// AuthorizationRequest opens a signing session: the coordinator broadcasts
// the pending transaction every participant must sign over.
// FundingAmount is the satoshi value of the funding input pending_tx
// spends from: BIP-341's default sighash commits to every input's amount,
// so a participant cannot recompute the coordinator's sig_hash without it.
// The original spec leaves funding-input sourcing unresolved (Open
// Question #2); carrying the amount here is this implementation's
// resolution of that gap.
type AuthorizationRequest struct {
	SessionID     string `json:"session_id"`
	CohortID      string `json:"cohort_id"`
	PendingTx     string `json:"pending_tx"`
	FundingAmount int64  `json:"funding_amount"`
}

func (*AuthorizationRequest) Kind() Kind { return KindAuthorizationRequest }

// NonceContribution carries one participant's MuSig2 public nonce pair for
// a signing session. Exactly two hex-encoded curve points, per BIP-327.
type NonceContribution struct {
	SessionID         string   `json:"session_id"`
	CohortID          string   `json:"cohort_id"`
	NonceContribution []string `json:"nonce_contribution"`
}

func (*NonceContribution) Kind() Kind { return KindNonceContribution }

// AggregatedNonce is the coordinator's sum of all participants' nonce
// contributions for a session, broadcast once all have arrived.
type AggregatedNonce struct {
	SessionID       string   `json:"session_id"`
	CohortID        string   `json:"cohort_id"`
	AggregatedNonce []string `json:"aggregated_nonce"`
}

func (*AggregatedNonce) Kind() Kind { return KindAggregatedNonce }

// SignatureAuthorization carries one participant's partial signature over
// the session's pending transaction. PartialSignature is 32-byte lowercase
// hex (§9.5).
type SignatureAuthorization struct {
	SessionID        string `json:"session_id"`
	CohortID         string `json:"cohort_id"`
	PartialSignature string `json:"partial_signature"`
}

func (*SignatureAuthorization) Kind() Kind { return KindSignatureAuthorization }
