package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UserID identifies a signed-in user as issued by the identity provider.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// EntryID is the store-assigned identifier of a ledger entry.
type EntryID struct {
	value string
}

// NewEntryID validates an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the identifier.
func (id EntryID) String() string {
	return id.value
}

// MarshalJSON encodes the id as a string.
func (id EntryID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes and validates a string id.
func (id *EntryID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntryID, err)
	}
	parsed, err := NewEntryID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MetadataJSON stores structured notes attached to synthetic entries.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

func metadataOf(fields map[string]any) MetadataJSON {
	raw, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{value: "{}"}
	}
	return MetadataJSON{value: string(raw)}
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// MarshalJSON embeds the metadata as raw JSON.
func (metadata MetadataJSON) MarshalJSON() ([]byte, error) {
	return []byte(metadata.String()), nil
}

// UnmarshalJSON keeps the raw JSON value.
func (metadata *MetadataJSON) UnmarshalJSON(data []byte) error {
	parsed, err := NewMetadataJSON(string(data))
	if err != nil {
		return err
	}
	*metadata = parsed
	return nil
}

// PaymentMethod records how an entry was paid for.
type PaymentMethod string

const (
	MethodNone    PaymentMethod = ""
	MethodCash    PaymentMethod = "cash"
	MethodPayPal  PaymentMethod = "paypal"
	MethodBitcoin PaymentMethod = "bitcoin"
	MethodTab     PaymentMethod = "tab"
)

// ParsePaymentMethod validates a method chosen for new work.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	method := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch method {
	case MethodCash, MethodPayPal, MethodBitcoin, MethodTab:
		return method, nil
	default:
		return MethodNone, fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, raw)
	}
}

// ParseSettlementMethod validates a method used to pay off a tab.
func ParseSettlementMethod(raw string) (PaymentMethod, error) {
	method, err := ParsePaymentMethod(raw)
	if err != nil {
		return MethodNone, err
	}
	if method == MethodTab {
		return MethodNone, fmt.Errorf("%w: a tab cannot be paid with a tab", ErrInvalidPaymentMethod)
	}
	return method, nil
}

// DecodeStoredMethod maps a persisted method onto a PaymentMethod. Older rows
// may carry no method or one this version does not know; both read as MethodNone.
func DecodeStoredMethod(raw string) PaymentMethod {
	method, err := ParsePaymentMethod(raw)
	if err != nil {
		return MethodNone
	}
	return method
}

// String returns the method name.
func (method PaymentMethod) String() string {
	return string(method)
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	ID               EntryID       `json:"id"`
	CreatedUnixMilli int64         `json:"created_unix_ms"`
	Actor            string        `json:"actor"`
	Description      string        `json:"description"`
	Duration         Seconds       `json:"duration_seconds"`
	UnitPrice        Amount        `json:"unit_price"`
	AmountBilled     Amount        `json:"amount_billed"`
	AmountTendered   Amount        `json:"amount_tendered"`
	Method           PaymentMethod `json:"method,omitempty"`
	Metadata         MetadataJSON  `json:"metadata"`
}

// EntryInput is an entry before the store assigns its id and timestamp.
type EntryInput struct {
	actor          string
	description    string
	duration       Seconds
	unitPrice      Amount
	amountBilled   Amount
	amountTendered Amount
	method         PaymentMethod
	metadata       MetadataJSON
}

// NewEntryInput validates the caller-supplied fields of a ledger entry.
func NewEntryInput(actor string, description string, duration Seconds, unitPrice Amount, amountBilled Amount, amountTendered Amount, method PaymentMethod, metadata MetadataJSON) (EntryInput, error) {
	normalizedActor := strings.TrimSpace(actor)
	if normalizedActor == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidActor)
	}
	normalizedDescription := strings.TrimSpace(description)
	if normalizedDescription == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	return EntryInput{
		actor:          normalizedActor,
		description:    normalizedDescription,
		duration:       duration,
		unitPrice:      unitPrice,
		amountBilled:   amountBilled,
		amountTendered: amountTendered,
		method:         method,
		metadata:       metadata,
	}, nil
}

// Actor returns the name of the person recording the entry.
func (input EntryInput) Actor() string { return input.actor }

// Description returns the entry label.
func (input EntryInput) Description() string { return input.description }

// Duration returns the machine time covered by the entry.
func (input EntryInput) Duration() Seconds { return input.duration }

// UnitPrice returns the per-minute rate in effect.
func (input EntryInput) UnitPrice() Amount { return input.unitPrice }

// AmountBilled returns the cost of the work.
func (input EntryInput) AmountBilled() Amount { return input.amountBilled }

// AmountTendered returns the money actually received.
func (input EntryInput) AmountTendered() Amount { return input.amountTendered }

// Method returns the payment method.
func (input EntryInput) Method() PaymentMethod { return input.method }

// Metadata returns the attached notes.
func (input EntryInput) Metadata() MetadataJSON { return input.metadata }

// Materialize combines the input with store-assigned identity.
func (input EntryInput) Materialize(id EntryID, createdUnixMilli int64) Entry {
	return Entry{
		ID:               id,
		CreatedUnixMilli: createdUnixMilli,
		Actor:            input.actor,
		Description:      input.description,
		Duration:         input.duration,
		UnitPrice:        input.unitPrice,
		AmountBilled:     input.amountBilled,
		AmountTendered:   input.amountTendered,
		Method:           input.method,
		Metadata:         input.metadata,
	}
}

// Totals is the running aggregate derived from the ledger.
type Totals struct {
	Paid Amount
	Time Seconds
}

// Progress returns paid as a fraction of goal, clamped to [0, 1].
func (totals Totals) Progress(goal Amount) float64 {
	if goal.IsZero() || goal.IsNegative() {
		return 0
	}
	ratio, _ := totals.Paid.Decimal().Div(goal.Decimal()).Float64()
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// TotalsDelta is a commutative adjustment applied atomically to Totals.
type TotalsDelta struct {
	Paid Amount
	Time Seconds
}

// Add folds an entry into the totals the same way a replay does.
func (totals Totals) Add(entry Entry) Totals {
	return Totals{
		Paid: totals.Paid.Add(entry.AmountTendered),
		Time: totals.Time + entry.Duration,
	}
}

// TabSummary is the unpaid work a user has charged to their tab.
type TabSummary struct {
	Jobs    int
	Time    Seconds
	Total   Amount
	Entries []Entry
}

// Identity is the signed-in user. The zero value is an anonymous visitor.
type Identity struct {
	UserID      UserID
	DisplayName string
	IsAdmin     bool
}

// IsAuthenticated reports whether a user is signed in.
func (identity Identity) IsAuthenticated() bool {
	return !identity.UserID.IsZero()
}
